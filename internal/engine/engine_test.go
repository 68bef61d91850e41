package engine

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/qudp/internal/cc"
	"github.com/aetherflow/qudp/internal/config"
	"github.com/aetherflow/qudp/internal/wire"
)

func newLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// testTransfer runs a full handshake-through-EOF transfer over real
// loopback UDP sockets and checks the receiver reassembles the exact
// source bytes, for whichever congestion-control law newCtrl builds.
func testTransfer(t *testing.T, newCtrl func() cc.Controller) {
	t.Helper()

	senderConn := newLoopbackConn(t)
	receiverConn := newLoopbackConn(t)

	data := make([]byte, wire.DataSize*5+137)
	for i := range data {
		data[i] = byte(i)
	}

	cfg := config.DefaultConfig()
	cfg.Transfer.HandshakeTimeout = 200 * time.Millisecond
	cfg.Transfer.IdleACKInterval = 50 * time.Millisecond

	log := zap.NewNop()
	sender := NewSender(senderConn, data, newCtrl(), cfg, log)
	receiver := NewReceiver(receiverConn, cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	var recvErr error
	var recvData []byte
	go func() {
		defer wg.Done()
		if err := receiver.Handshake(ctx, senderConn.LocalAddr().(*net.UDPAddr)); err != nil {
			recvErr = err
			return
		}
		recvData, recvErr = receiver.Run(ctx)
	}()

	var sendErr error
	go func() {
		defer wg.Done()
		if err := sender.WaitForReceiver(ctx); err != nil {
			sendErr = err
			return
		}
		sendErr = sender.Run(ctx)
	}()

	wg.Wait()

	if sendErr != nil {
		t.Fatalf("sender: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver: %v", recvErr)
	}
	if !bytes.Equal(recvData, data) {
		t.Fatalf("reassembled %d bytes, want %d bytes matching source", len(recvData), len(data))
	}
}

func TestTransferEndToEndFixedWindow(t *testing.T) {
	testTransfer(t, func() cc.Controller { return cc.NewFixedWindow(4 * wire.DataSize) })
}

func TestTransferEndToEndCubic(t *testing.T) {
	testTransfer(t, func() cc.Controller { return cc.NewCubic(wire.DataSize) })
}

// newTestSender builds a Sender whose remote address loops back to its
// own socket, so transmit() calls succeed without a paired receiver;
// these tests drive the unexported onAck/retireAcked/fastRetransmit/
// handleTimeout logic directly rather than through a live exchange.
func newTestSender(t *testing.T, data []byte, ctrl cc.Controller) *Sender {
	t.Helper()
	conn := newLoopbackConn(t)
	cfg := config.DefaultConfig()
	s := NewSender(conn, data, ctrl, cfg, zap.NewNop())
	s.remote = conn.LocalAddr().(*net.UDPAddr)
	return s
}

func recordAllSent(s *Sender, total int, sendTime time.Time) {
	for seq := uint32(0); seq < uint32(total); seq++ {
		seg, ok := s.segs.At(seq)
		if !ok {
			continue
		}
		s.tr.RecordSend(seq, len(seg.Payload), sendTime)
	}
}

func TestOnAckRetiresCumulativeRange(t *testing.T) {
	data := make([]byte, wire.DataSize*4)
	s := newTestSender(t, data, cc.NewFixedWindow(wire.DataSize*10))
	now := time.Now()
	recordAllSent(s, 4, now)

	var zero [wire.MaxSACKRanges]wire.SACKRange
	s.onAck(now.Add(10*time.Millisecond), 2, zero)

	if s.tr.IsUnacked(0) || s.tr.IsUnacked(1) {
		t.Fatalf("expected seq 0,1 retired by cum_ack=2")
	}
	if !s.tr.IsUnacked(2) || !s.tr.IsUnacked(3) {
		t.Fatalf("expected seq 2,3 to remain unacked")
	}
}

func TestOnAckRetiresSACKRange(t *testing.T) {
	data := make([]byte, wire.DataSize*5)
	s := newTestSender(t, data, cc.NewFixedWindow(wire.DataSize*10))
	now := time.Now()
	recordAllSent(s, 5, now)

	sacks := [wire.MaxSACKRanges]wire.SACKRange{{Start: 3, End: 4}}
	s.onAck(now.Add(10*time.Millisecond), 1, sacks)

	if s.tr.IsUnacked(0) {
		t.Fatalf("expected seq 0 retired by cum_ack=1")
	}
	if !s.tr.IsUnacked(1) || !s.tr.IsUnacked(2) {
		t.Fatalf("expected seq 1,2 to remain unacked")
	}
	if s.tr.IsUnacked(3) || s.tr.IsUnacked(4) {
		t.Fatalf("expected SACK range [3,4] retired")
	}
}

func TestOnAckFeedsRTTSampleFromFreshSegment(t *testing.T) {
	data := make([]byte, wire.DataSize)
	s := newTestSender(t, data, cc.NewFixedWindow(wire.DataSize*10))
	now := time.Now()
	recordAllSent(s, 1, now)

	var zero [wire.MaxSACKRanges]wire.SACKRange
	s.onAck(now.Add(40*time.Millisecond), 1, zero)

	if !s.estimator.HasSample() {
		t.Fatal("expected the ack of a never-retransmitted segment to feed the estimator")
	}
}

// TestNoRTTSampleAfterRetransmission covers the ambiguous-sample rule:
// a segment retransmitted on RTO expiry and then acked must retire
// normally but contribute nothing to the estimator, since the ack
// could answer either transmission.
func TestNoRTTSampleAfterRetransmission(t *testing.T) {
	data := make([]byte, wire.DataSize)
	s := newTestSender(t, data, cc.NewFixedWindow(wire.DataSize*10))
	now := time.Now()
	recordAllSent(s, 1, now.Add(-2*time.Second)) // older than the initial RTO

	s.handleTimeout(now) // retransmits seq 0, refreshing its send-time

	var zero [wire.MaxSACKRanges]wire.SACKRange
	s.onAck(now.Add(10*time.Millisecond), 1, zero)

	if s.tr.IsUnacked(0) {
		t.Fatal("expected seq 0 retired by the ack")
	}
	if s.estimator.HasSample() {
		t.Fatal("expected no RTT sample from a retransmitted segment")
	}
}

func TestOnAckClipsSACKRangeToSegmentSpace(t *testing.T) {
	data := make([]byte, wire.DataSize*3)
	s := newTestSender(t, data, cc.NewFixedWindow(wire.DataSize*10))
	now := time.Now()
	recordAllSent(s, 3, now)

	// A range reaching far past the last data segment must be clipped
	// to it, not walked to its nominal end.
	sacks := [wire.MaxSACKRanges]wire.SACKRange{{Start: 2, End: ^uint32(0)}}
	done := make(chan struct{})
	go func() {
		s.onAck(now.Add(10*time.Millisecond), 1, sacks)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("onAck did not return: SACK range was not clipped")
	}

	if s.tr.IsUnacked(0) {
		t.Fatalf("expected seq 0 retired by cum_ack=1")
	}
	if !s.tr.IsUnacked(1) {
		t.Fatalf("expected seq 1 to remain unacked")
	}
	if s.tr.IsUnacked(2) {
		t.Fatalf("expected seq 2 retired by the clipped SACK range")
	}
}

func TestTripleDupAckTriggersFastRetransmit(t *testing.T) {
	data := make([]byte, wire.DataSize*5)
	ctrl := cc.NewFixedWindow(wire.DataSize * 10)
	s := newTestSender(t, data, ctrl)
	now := time.Now()
	recordAllSent(s, 5, now)
	s.nextSeq = 5

	var zero [wire.MaxSACKRanges]wire.SACKRange
	s.onAck(now, 0, zero) // establishes baseline, not a duplicate
	s.onAck(now, 0, zero) // dup 1
	s.onAck(now, 0, zero) // dup 2
	s.onAck(now, 0, zero) // dup 3: crosses the fast-retransmit threshold

	if s.dupAckCount != 0 {
		t.Fatalf("dupAckCount = %d, want 0 after fast retransmit resets it", s.dupAckCount)
	}
	if !s.inRecovery {
		t.Fatal("expected the sender to enter recovery on fast retransmit")
	}
	if stats := ctrl.Statistics(); stats["fast_retrans"] != 1 {
		t.Fatalf("fast_retrans = %d, want 1", stats["fast_retrans"])
	}
	if !s.tr.IsUnacked(0) {
		t.Fatalf("expected fast-retransmitted seq 0 to remain tracked as unacked")
	}

	s.onAck(now, 0, zero) // dup while in recovery: must not re-fire
	if stats := ctrl.Statistics(); stats["fast_retrans"] != 1 {
		t.Fatalf("fast_retrans = %d, want still 1 while in recovery", stats["fast_retrans"])
	}

	s.onAck(now, 5, zero) // cum_ack past the recovery anchor exits recovery
	if s.inRecovery {
		t.Fatal("expected recovery to exit once cum_ack passes the anchor")
	}
}

func TestHandleTimeoutRetransmitsExpiredAndAppliesSevereReaction(t *testing.T) {
	data := make([]byte, wire.DataSize*3)
	ctrl := cc.NewCubic(wire.DataSize)
	s := newTestSender(t, data, ctrl)

	now := time.Now()
	recordAllSent(s, 3, now.Add(-2*time.Second)) // older than InitialRTO, so all expire

	s.handleTimeout(now)

	if stats := ctrl.Statistics(); stats["timeouts"] != 1 {
		t.Fatalf("timeouts = %d, want 1", stats["timeouts"])
	}
	if got, want := ctrl.Window(), 10*wire.DataSize; got != want {
		t.Fatalf("expected cwnd reset to the 10-segment floor after timeout: got %d, want %d", got, want)
	}
	for seq := uint32(0); seq < 3; seq++ {
		if !s.tr.IsUnacked(seq) {
			t.Fatalf("expected seq %d to remain unacked after timeout retransmit", seq)
		}
	}
}

func TestHandleTimeoutNoOpWhenNothingExpired(t *testing.T) {
	data := make([]byte, wire.DataSize*2)
	ctrl := cc.NewFixedWindow(wire.DataSize * 10)
	s := newTestSender(t, data, ctrl)

	now := time.Now()
	recordAllSent(s, 2, now) // just sent, well within RTO

	s.handleTimeout(now)

	if stats := ctrl.Statistics(); stats["timeouts"] != 0 {
		t.Fatalf("timeouts = %d, want 0 when nothing has expired", stats["timeouts"])
	}
}

// TestRecoveryStalledDuplicatesSweepExpiredWithoutNewCongestionReaction
// exercises the stalled-recovery path: once the duplicate-ACK count
// crosses a further multiple of recoveryStallSweepEvery while already
// in recovery, the sender retransmits whatever has since passed its
// RTO, but does not count that as a second fast-retransmit or timeout
// event.
func TestRecoveryStalledDuplicatesSweepExpiredWithoutNewCongestionReaction(t *testing.T) {
	data := make([]byte, wire.DataSize*5)
	ctrl := cc.NewFixedWindow(wire.DataSize * 10)
	s := newTestSender(t, data, ctrl)
	now := time.Now()
	recordAllSent(s, 5, now)
	s.nextSeq = 5

	var zero [wire.MaxSACKRanges]wire.SACKRange
	s.onAck(now, 0, zero) // baseline
	for i := 0; i < 3; i++ {
		s.onAck(now, 0, zero) // dup 1,2,3: fires fast retransmit once
	}
	if stats := ctrl.Statistics(); stats["fast_retrans"] != 1 {
		t.Fatalf("fast_retrans = %d, want 1 after triple dup-ack", stats["fast_retrans"])
	}

	// Age every send-time well past RTO, then drive dupAckCount (which
	// restarted from zero at recovery entry) up to the sweep multiple.
	stale := now.Add(-2 * time.Second)
	for seq := uint32(0); seq < 5; seq++ {
		s.tr.RecordSend(seq, 1, stale)
	}
	for i := 0; i < recoveryStallSweepEvery; i++ {
		s.onAck(now, 0, zero)
	}

	if s.dupAckCount != recoveryStallSweepEvery {
		t.Fatalf("dupAckCount = %d, want %d", s.dupAckCount, recoveryStallSweepEvery)
	}
	if stats := ctrl.Statistics(); stats["fast_retrans"] != 1 {
		t.Fatalf("fast_retrans = %d, want still 1: stalled sweep must not apply a new congestion reaction", stats["fast_retrans"])
	}
	for seq := uint32(0); seq < 5; seq++ {
		if !s.tr.IsUnacked(seq) {
			t.Fatalf("expected seq %d to remain unacked after stalled-recovery sweep", seq)
		}
	}
}
