// Package tracker implements the retransmission tracker: the set of
// segments ever sent, the set currently unacked, per-segment send
// times, and in-flight byte accounting.
//
// The tracker is not safe for concurrent use: internal/engine drives
// it from a single loop, so it deliberately carries no mutex.
package tracker

import "time"

// Record is the per-segment bookkeeping the tracker maintains.
type Record struct {
	Seq      uint32
	Len      int
	SendTime time.Time
	Unacked  bool
}

// Tracker maintains sent_once, unacked, send-times and bytes-in-flight.
type Tracker struct {
	sentOnce      map[uint32]struct{}
	unacked       map[uint32]struct{}
	sendTimes     map[uint32]time.Time
	retransmitted map[uint32]struct{}
	lens          map[uint32]int
	inFlight      int

	totalSent      uint64
	totalRetrans   uint64
	fastRetrans    uint64
	timeoutRetrans uint64
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		sentOnce:      make(map[uint32]struct{}),
		unacked:       make(map[uint32]struct{}),
		sendTimes:     make(map[uint32]time.Time),
		retransmitted: make(map[uint32]struct{}),
		lens:          make(map[uint32]int),
	}
}

// RecordSend records a (re)transmission of seq at time now. The first
// transmission adds seq to sent_once/unacked and its byte count to
// in-flight; a retransmission refreshes the send-time (so RTO expiry
// is measured from the latest attempt) and tags the segment as
// retransmitted, since bytes_in_flight counts unique payload bytes
// once per segment and a retransmitted segment's ack no longer yields
// an unambiguous RTT sample.
func (tr *Tracker) RecordSend(seq uint32, length int, now time.Time) {
	if _, seen := tr.sentOnce[seq]; !seen {
		tr.sentOnce[seq] = struct{}{}
		tr.unacked[seq] = struct{}{}
		tr.lens[seq] = length
		tr.inFlight += length
	} else {
		tr.retransmitted[seq] = struct{}{}
		if _, stillUnacked := tr.unacked[seq]; !stillUnacked {
			// Re-armed after having been acked is not expected in
			// normal operation, but keep accounting consistent if it
			// happens.
			tr.unacked[seq] = struct{}{}
			tr.inFlight += tr.lens[seq]
		}
	}
	tr.sendTimes[seq] = now
	tr.totalSent++
}

// RecordAck is idempotent: acking a segment that is not currently
// unacked is a no-op. Otherwise it retires the segment and returns the
// RTT sample (now - send_time). ok is false when the sample would be
// ambiguous: the segment was retransmitted since its original send, so
// the send-time on record may belong to an attempt other than the one
// this ack answers (Karn's algorithm).
func (tr *Tracker) RecordAck(seq uint32, now time.Time) (sample time.Duration, ok bool) {
	if _, unacked := tr.unacked[seq]; !unacked {
		return 0, false
	}
	delete(tr.unacked, seq)
	tr.inFlight -= tr.lens[seq]

	sendTime, have := tr.sendTimes[seq]
	delete(tr.sendTimes, seq)
	if _, retrans := tr.retransmitted[seq]; retrans {
		delete(tr.retransmitted, seq)
		return 0, false
	}
	if have {
		return now.Sub(sendTime), true
	}
	return 0, false
}

// Expired returns every unacked segment whose last send-time plus rto
// is strictly less than now, i.e. segments eligible for timeout
// retransmission.
func (tr *Tracker) Expired(now time.Time, rtoDur time.Duration) []uint32 {
	var out []uint32
	for seq := range tr.unacked {
		if sendTime, ok := tr.sendTimes[seq]; ok && sendTime.Add(rtoDur).Before(now) {
			out = append(out, seq)
		}
	}
	return out
}

// OldestUnacked returns the smallest unacked sequence number, used as
// the fast-retransmit target.
func (tr *Tracker) OldestUnacked() (uint32, bool) {
	if len(tr.unacked) == 0 {
		return 0, false
	}
	min := ^uint32(0)
	for seq := range tr.unacked {
		if seq < min {
			min = seq
		}
	}
	return min, true
}

// InFlight returns the current sum of unique unacked payload bytes.
func (tr *Tracker) InFlight() int {
	return tr.inFlight
}

// UnackedCount returns the number of currently unacked segments.
func (tr *Tracker) UnackedCount() int {
	return len(tr.unacked)
}

// IsUnacked reports whether seq is currently unacked.
func (tr *Tracker) IsUnacked(seq uint32) bool {
	_, ok := tr.unacked[seq]
	return ok
}

// MarkRetransmitted should be called after re-sending an already
// in-flight segment, to keep retransmission statistics and refresh
// its send-time (RecordSend already does the latter; this only bumps
// counters so callers can distinguish fast vs timeout retransmits).
func (tr *Tracker) MarkRetransmitted(fast bool) {
	tr.totalRetrans++
	if fast {
		tr.fastRetrans++
	} else {
		tr.timeoutRetrans++
	}
}

// Statistics returns tracker counters for logging/metrics.
func (tr *Tracker) Statistics() map[string]uint64 {
	return map[string]uint64{
		"total_sent":      tr.totalSent,
		"total_retrans":   tr.totalRetrans,
		"fast_retrans":    tr.fastRetrans,
		"timeout_retrans": tr.timeoutRetrans,
		"in_flight_bytes": uint64(tr.inFlight),
		"unacked_count":   uint64(len(tr.unacked)),
	}
}
