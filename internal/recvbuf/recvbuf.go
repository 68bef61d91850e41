// Package recvbuf implements the receiver's out-of-order buffering,
// in-order delivery, and SACK-range synthesis.
package recvbuf

import (
	"github.com/google/btree"

	"github.com/aetherflow/qudp/internal/wire"
)

// ACK is the tuple the receiver emits after processing an arrival:
// the next-expected sequence plus up to two SACK ranges.
type ACK struct {
	CumAck uint32
	SACKs  [wire.MaxSACKRanges]wire.SACKRange
}

// Buffer holds received-but-undelivered segments, the delivery
// cursor, and the append-only reconstructed output.
//
// The received-but-undelivered set is kept in an ordered btree rather
// than a bare map so SACK synthesis can ascend it directly instead of
// collecting and sorting keys on every arrival.
//
// Buffer is not safe for concurrent use: internal/engine drives it from
// a single receive loop, so it carries no mutex.
type Buffer struct {
	nextExpected uint32
	received     *btree.BTreeG[uint32]
	payloads     map[uint32][]byte
	output       []byte

	lastArrived uint32
	haveLastSeq bool

	totalReceived uint64
	totalOrdered  uint64
	outOfOrder    uint64
	duplicates    uint64
}

func lessUint32(a, b uint32) bool { return a < b }

// New returns an empty receive buffer with the delivery cursor at 0.
func New() *Buffer {
	return &Buffer{
		received: btree.NewG[uint32](32, lessUint32),
		payloads: make(map[uint32][]byte),
	}
}

// NextExpected returns the current delivery cursor.
func (b *Buffer) NextExpected() uint32 {
	return b.nextExpected
}

// Output returns the reconstructed byte sequence delivered so far.
func (b *Buffer) Output() []byte {
	return b.output
}

// AddSegment processes the arrival of a data segment and returns the
// ACK to send back. Segments below the delivery cursor are rejected
// as duplicates but still produce an ACK reflecting current state.
func (b *Buffer) AddSegment(seq uint32, payload []byte) ACK {
	b.lastArrived = seq
	b.haveLastSeq = true

	switch {
	case seq < b.nextExpected:
		b.duplicates++
	case b.received.Has(seq):
		b.duplicates++
	default:
		b.totalReceived++
		cp := make([]byte, len(payload))
		copy(cp, payload)
		b.payloads[seq] = cp
		b.received.ReplaceOrInsert(seq)
		if seq != b.nextExpected {
			b.outOfOrder++
		}
		b.deliverInOrder()
	}

	return b.buildACK()
}

// deliverInOrder pops the contiguous run starting at nextExpected into
// the output buffer.
func (b *Buffer) deliverInOrder() {
	for {
		payload, ok := b.payloads[b.nextExpected]
		if !ok {
			return
		}
		b.output = append(b.output, payload...)
		delete(b.payloads, b.nextExpected)
		b.received.Delete(b.nextExpected)
		b.nextExpected++
		b.totalOrdered++
	}
}

// CurrentACK recomputes the ACK for the last-seen arrival without
// processing a new segment, used by the receiver idle timeout to
// resend the current state when no new data arrives.
func (b *Buffer) CurrentACK() ACK {
	return b.buildACK()
}

// FinalizeEOF advances the delivery cursor past the EOF sentinel and
// returns the terminal ACK (cum_ack = eofSeq+1, no SACK).
func (b *Buffer) FinalizeEOF(eofSeq uint32) ACK {
	if eofSeq+1 > b.nextExpected {
		b.nextExpected = eofSeq + 1
	}
	return ACK{CumAck: b.nextExpected}
}

// buildACK implements the SACK selection rule:
//
//	(a) if the most recently arrived sequence r is still in the
//	    received-undelivered set, the first range is the maximal
//	    contiguous run containing r;
//	(b) the second range is the first contiguous run, scanned in
//	    ascending order, that does not contain r;
//	if r was delivered (no longer in the set), no range is emitted.
func (b *Buffer) buildACK() ACK {
	ack := ACK{CumAck: b.nextExpected}
	if !b.haveLastSeq || !b.received.Has(b.lastArrived) {
		return ack
	}

	r := b.lastArrived
	firstStart, firstEnd := b.expandRun(r)
	ack.SACKs[0] = wire.SACKRange{Start: firstStart, End: firstEnd}

	found := false
	b.received.Ascend(func(seq uint32) bool {
		if found {
			return false
		}
		if seq >= firstStart && seq <= firstEnd {
			return true
		}
		// seq belongs to a run distinct from the r-run (any run
		// overlapping [firstStart,firstEnd] would already have been
		// skipped above).
		start, end := b.expandRun(seq)
		ack.SACKs[1] = wire.SACKRange{Start: start, End: end}
		found = true
		return false
	})

	return ack
}

// expandRun finds the maximal contiguous run in the received set
// containing seq.
func (b *Buffer) expandRun(seq uint32) (start, end uint32) {
	start, end = seq, seq
	for start > 0 && b.received.Has(start-1) {
		start--
	}
	for b.received.Has(end + 1) {
		end++
	}
	return start, end
}

// Statistics returns receive-buffer counters for logging/metrics.
func (b *Buffer) Statistics() map[string]uint64 {
	return map[string]uint64{
		"total_received": b.totalReceived,
		"total_ordered":  b.totalOrdered,
		"out_of_order":   b.outOfOrder,
		"duplicates":     b.duplicates,
		"buffered":       uint64(b.received.Len()),
	}
}
