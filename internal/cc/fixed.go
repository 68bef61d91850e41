package cc

import "time"

// FixedWindow is the static sliding-window variant: a constant byte
// cap on unacked data, with no reaction to congestion signals. It
// still counts events, purely for statistics.
type FixedWindow struct {
	sws int

	dupAcks     uint64
	fastRetrans uint64
	timeouts    uint64
}

// NewFixedWindow returns a controller admitting up to sws bytes of
// unacked data at a time.
func NewFixedWindow(sws int) *FixedWindow {
	return &FixedWindow{sws: sws}
}

func (f *FixedWindow) Admit(bytesInFlight, segLen int) bool {
	return bytesInFlight+segLen <= f.sws
}

func (f *FixedWindow) OnAckProgress(now time.Time, cumAck uint32) {}

func (f *FixedWindow) OnDupAck(now time.Time) {
	f.dupAcks++
}

func (f *FixedWindow) OnFastRetransmit(now time.Time, recoveryPoint uint32) {
	f.fastRetrans++
}

func (f *FixedWindow) OnTimeout(now time.Time) {
	f.timeouts++
}

func (f *FixedWindow) Window() int {
	return f.sws
}

func (f *FixedWindow) Statistics() map[string]uint64 {
	return map[string]uint64{
		"window_bytes": uint64(f.sws),
		"dup_acks":     f.dupAcks,
		"fast_retrans": f.fastRetrans,
		"timeouts":     f.timeouts,
	}
}
