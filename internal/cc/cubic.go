package cc

import (
	"math"
	"time"
)

// cwndMinFloorMS and cwndMaxCapMS bound cwnd in multiples of one
// segment. Unlike C and Beta below they are not exposed for override:
// they define the protocol's window envelope, not a tuning knob.
const (
	cwndMinFloorMS = 10
	cwndMaxCapMS   = 10000
)

// CubicConfig exposes the CUBIC tuning constants for override. The
// defaults diverge from RFC 8312: in particular C is 10000, not the
// RFC's 0.4. A caller that wants RFC-interoperable CUBIC can override
// C here.
type CubicConfig struct {
	C         float64
	Beta      float64
	CwndDecay float64
}

// DefaultCubicConfig returns the default tuning constants.
func DefaultCubicConfig() *CubicConfig {
	return &CubicConfig{
		C:         10000,
		Beta:      0.3,
		CwndDecay: 0.5,
	}
}

// Cubic implements TCP-CUBIC window growth with NewReno-style fast
// recovery. It carries no mutex; see the package doc comment.
type Cubic struct {
	segSize int
	cfg     *CubicConfig

	cwnd float64
	wMax float64

	epochStart time.Time
	haveEpoch  bool
	k          float64

	inRecovery    bool
	recoveryPoint uint32

	fastRetrans uint64
	timeouts    uint64
	dupAcks     uint64
}

// NewCubic returns a CUBIC controller for a connection whose segments
// are segSize bytes, using the default tuning constants. Initial cwnd
// is one segment; initial Wmax is 200 segments.
func NewCubic(segSize int) *Cubic {
	return NewCubicWithConfig(segSize, DefaultCubicConfig())
}

// NewCubicWithConfig is NewCubic with caller-supplied tuning constants.
func NewCubicWithConfig(segSize int, cfg *CubicConfig) *Cubic {
	if cfg == nil {
		cfg = DefaultCubicConfig()
	}
	return &Cubic{
		segSize: segSize,
		cfg:     cfg,
		cwnd:    float64(segSize),
		wMax:    float64(segSize) * 200,
	}
}

func (c *Cubic) floor() float64 { return float64(cwndMinFloorMS * c.segSize) }
func (c *Cubic) cap() float64   { return float64(cwndMaxCapMS * c.segSize) }

func (c *Cubic) Admit(bytesInFlight, segLen int) bool {
	if c.inRecovery && bytesInFlight > int(c.cwnd) {
		return false
	}
	return float64(bytesInFlight+segLen) <= c.cwnd
}

// OnAckProgress advances the CUBIC window function when not in
// recovery, and checks for recovery exit when in it. The epoch stays
// cleared across recovery, so the call that observes the exit reseeds
// the epoch start and K (derived from Wmax) without changing cwnd.
func (c *Cubic) OnAckProgress(now time.Time, cumAck uint32) {
	if c.inRecovery && cumAck > c.recoveryPoint {
		c.inRecovery = false
	}
	if c.inRecovery {
		return
	}
	c.cubicUpdate(now)
}

// OnDupAck applies the recovery-phase window inflation: each further
// duplicate ACK received while already in recovery grows cwnd by one
// segment, mirroring the additive inflation TCP uses to keep new data
// flowing during fast recovery.
func (c *Cubic) OnDupAck(now time.Time) {
	c.dupAcks++
	if c.inRecovery {
		c.cwnd += float64(c.segSize)
	}
}

// OnFastRetransmit applies the non-severe congestion reaction
// (multiplicative decrease) and enters recovery.
func (c *Cubic) OnFastRetransmit(now time.Time, recoveryPoint uint32) {
	c.fastRetrans++
	c.inRecovery = true
	c.recoveryPoint = recoveryPoint
	c.onCongestionEvent(false)
}

// OnTimeout applies the severe congestion reaction (reset to the
// floor window). Recovery is not entered on a timeout: still-unacked
// segments keep flowing under the collapsed window via the ordinary
// admission path.
func (c *Cubic) OnTimeout(now time.Time) {
	c.timeouts++
	c.onCongestionEvent(true)
}

// onCongestionEvent applies a congestion reaction. Severe events
// (timeout) halve cwnd into Wmax and collapse to the floor; non-severe
// events (fast retransmit) hold Wmax at the pre-event cwnd and apply a
// 0.5x multiplicative decrease with no floor clamp of its own: the
// floor is enforced only once cubicUpdate next evaluates W(t), i.e. on
// the call after the one that reseeds the epoch, so cwnd can sit
// briefly below it after a non-severe event. Both clear the epoch so
// the next growth step reseeds K.
func (c *Cubic) onCongestionEvent(severe bool) {
	if severe {
		c.wMax = c.cwnd / 2
		c.cwnd = c.floor()
	} else {
		c.wMax = c.cwnd
		c.cwnd *= c.cfg.CwndDecay
	}
	c.haveEpoch = false
}

// cubicUpdate advances the growth function. The first call after an
// epoch reset only seeds K and the epoch start time, without changing
// cwnd; subsequent calls evaluate W(t) = C*(t-K)^3 + Wmax and clamp
// the result to [floor, cap].
func (c *Cubic) cubicUpdate(now time.Time) {
	if !c.haveEpoch {
		c.epochStart = now
		c.haveEpoch = true
		c.k = math.Cbrt((c.wMax * c.cfg.Beta) / c.cfg.C)
		return
	}

	t := now.Sub(c.epochStart).Seconds()
	wt := c.cfg.C*math.Pow(t-c.k, 3) + c.wMax

	if wt < c.floor() {
		wt = c.floor()
	}
	if wt > c.cap() {
		wt = c.cap()
	}
	c.cwnd = wt
}

func (c *Cubic) Window() int {
	return int(c.cwnd)
}

func (c *Cubic) Statistics() map[string]uint64 {
	return map[string]uint64{
		"cwnd_bytes":   uint64(c.cwnd),
		"wmax_bytes":   uint64(c.wMax),
		"fast_retrans": c.fastRetrans,
		"timeouts":     c.timeouts,
		"dup_acks":     c.dupAcks,
	}
}
