// Package cc defines the congestion-control contract shared by the two
// send-side control laws (fixed-window and CUBIC) and implements both.
//
// Neither implementation takes a mutex: all calls happen from the one
// send loop in internal/engine.
package cc

import "time"

// Controller is the congestion-control interface the send loop drives.
// All methods are called from the single send-loop goroutine.
type Controller interface {
	// Admit reports whether a segment of segLen bytes may be sent given
	// bytesInFlight bytes already outstanding.
	Admit(bytesInFlight, segLen int) bool

	// OnAckProgress is called whenever an ACK advances cum_ack (i.e. is
	// not a duplicate of the last cum_ack seen). cumAck is the new
	// cumulative ack value; implementations that track a recovery
	// point use it to decide whether recovery has ended.
	OnAckProgress(now time.Time, cumAck uint32)

	// OnDupAck is called for every ACK that repeats the last cum_ack,
	// including the one that crosses the fast-retransmit threshold.
	OnDupAck(now time.Time)

	// OnFastRetransmit is called exactly once per loss event, when the
	// triple-duplicate-ACK threshold is first crossed and a segment is
	// resent outside the normal admission path. recoveryPoint is the
	// highest sequence number sent so far (next_seq-1); recovery ends
	// once cum_ack advances past it.
	OnFastRetransmit(now time.Time, recoveryPoint uint32)

	// OnTimeout is called when the RTO fires and segments are
	// retransmitted without having seen duplicate ACKs.
	OnTimeout(now time.Time)

	// Window returns the current congestion window in bytes, for
	// logging and metrics.
	Window() int

	// Statistics returns controller counters for logging/metrics.
	Statistics() map[string]uint64
}
