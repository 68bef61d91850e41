// Package engine drives the sender and receiver sides of a transfer
// from a single cooperative loop per process, composing internal/wire,
// internal/rto, internal/sendbuf, internal/tracker, internal/recvbuf
// and internal/cc. One loop owns all session state, so ACK processing,
// tracker mutations and admission decisions stay sequential without
// locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/qudp/internal/cc"
	"github.com/aetherflow/qudp/internal/config"
	"github.com/aetherflow/qudp/internal/fec"
	"github.com/aetherflow/qudp/internal/metrics"
	"github.com/aetherflow/qudp/internal/rto"
	"github.com/aetherflow/qudp/internal/sendbuf"
	"github.com/aetherflow/qudp/internal/tracker"
	"github.com/aetherflow/qudp/internal/wire"
)

// helloPayload is the single-byte request a receiver sends to start a
// transfer; it carries no sequence/ACK envelope of its own.
var helloPayload = []byte{0x01}

// recoveryStallSweepEvery is how many further duplicate ACKs the
// sender tolerates while in recovery before sweeping the tracker for
// RTO-expired segments on its own, so a long stall of the cumulative
// ACK still retransmits without a further congestion reaction.
const recoveryStallSweepEvery = 100

// maxDatagram bounds a single recvfrom call.
const maxDatagram = 2048

// ReadBufSize is the kernel socket receive-buffer size cmd binaries
// apply via net.UDPConn.SetReadBuffer.
const ReadBufSize = 1 << 20

// Sender drives the send side of a transfer: segmentation, admission,
// retransmission and the congestion-control law are all decided here;
// the supporting packages hold no send-loop logic of their own.
type Sender struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	segs      *sendbuf.Buffer
	tr        *tracker.Tracker
	estimator *rto.Estimator
	ctrl      cc.Controller
	cfg       *config.Config
	log       *zap.Logger

	metrics *metrics.Recorder
	fecEnc  *fec.Encoder

	nextSeq        uint32
	lastCumAck     uint32
	haveLastCumAck bool
	dupAckCount    int
	inRecovery     bool
	recoveryPoint  uint32
}

// NewSender builds a sender over an already-bound UDP socket for the
// given source data, using ctrl as the congestion-control law.
func NewSender(conn *net.UDPConn, data []byte, ctrl cc.Controller, cfg *config.Config, log *zap.Logger) *Sender {
	s := &Sender{
		conn:      conn,
		segs:      sendbuf.New(data),
		tr:        tracker.New(),
		estimator: rto.New(),
		ctrl:      ctrl,
		cfg:       cfg,
		log:       log,
	}
	if cfg.FEC.Enable {
		fecCfg := &fec.Config{DataShards: cfg.FEC.DataShards, ParityShards: cfg.FEC.ParityShards}
		if enc, err := fec.NewEncoder(fecCfg, wire.DataSize); err == nil {
			s.fecEnc = enc
		} else {
			log.Warn("fec encoder disabled: failed to initialize", zap.Error(err))
		}
	}
	return s
}

// SetMetrics attaches an optional metrics recorder; nil disables
// reporting entirely.
func (s *Sender) SetMetrics(r *metrics.Recorder) {
	s.metrics = r
}

// WaitForReceiver blocks until any datagram arrives on conn, treating
// its source address as the receiver and replying with the handshake
// acknowledgment. It retries indefinitely until ctx is canceled.
func (s *Sender) WaitForReceiver(ctx context.Context) error {
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				s.log.Debug("still waiting for a receiver")
				continue
			}
			return fmt.Errorf("engine: waiting for receiver: %w", err)
		}
		if n == 0 {
			continue
		}
		s.remote = addr
		ready, err := wire.EncodeData(0, wire.ReadyPayload)
		if err != nil {
			return fmt.Errorf("engine: encoding handshake reply: %w", err)
		}
		if _, err := s.conn.WriteToUDP(ready, addr); err != nil {
			return fmt.Errorf("engine: sending handshake reply: %w", err)
		}
		s.log.Info("receiver connected", zap.String("addr", addr.String()))
		return nil
	}
}

// Run transmits every data segment plus the EOF sentinel, driving
// admission, retransmission and congestion control from one loop, then
// closes the transfer with the EOF handshake.
func (s *Sender) Run(ctx context.Context) error {
	total := s.segs.Total()
	ackBuf := make([]byte, maxDatagram)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.admitNewSegments(total)

		if s.nextSeq >= uint32(total) && s.tr.UnackedCount() == 0 {
			break
		}

		s.conn.SetReadDeadline(time.Now().Add(s.estimator.RTO() + 10*time.Millisecond))
		n, _, err := s.conn.ReadFromUDP(ackBuf)
		now := time.Now()

		if err != nil {
			if isTimeout(err) {
				s.handleTimeout(now)
				continue
			}
			return fmt.Errorf("engine: reading ack: %w", err)
		}
		if n < wire.HeaderSize {
			continue // malformed, discard
		}

		cumAck, sacks, err := wire.DecodeACK(ackBuf[:n])
		if err != nil {
			s.log.Debug("discarding malformed ack", zap.Error(err))
			continue
		}
		s.onAck(now, cumAck, sacks)
		s.reportMetrics()
	}

	return s.closeEOF(ctx)
}

// admitNewSegments sends as many not-yet-sent segments as the
// congestion window allows, in sequence order.
func (s *Sender) admitNewSegments(total int) {
	for s.nextSeq < uint32(total) {
		segLen := s.segs.Len(s.nextSeq)
		if !s.ctrl.Admit(s.tr.InFlight(), segLen) {
			return
		}
		s.sendSegment(s.nextSeq)
		s.nextSeq++
	}
}

func (s *Sender) sendSegment(seq uint32) {
	seg, ok := s.segs.At(seq)
	if !ok {
		return
	}
	s.transmit(seq, seg.Payload)
	s.tr.RecordSend(seq, len(seg.Payload), time.Now())

	if s.fecEnc != nil {
		if parity, err := s.fecEnc.AddSegment(seq, seg.Payload); err == nil && parity != nil {
			groupSeq := s.fecEnc.GroupSeq()
			for i, p := range parity {
				s.transmit(fec.ParitySeq(groupSeq, i), p)
			}
		} else if err != nil {
			s.log.Warn("fec encode failed", zap.Error(err))
		}
	}
}

func (s *Sender) transmit(seq uint32, payload []byte) {
	datagram, err := wire.EncodeData(seq, payload)
	if err != nil {
		s.log.Warn("failed to encode segment", zap.Uint32("seq", seq), zap.Error(err))
		return
	}
	if _, err := s.conn.WriteToUDP(datagram, s.remote); err != nil {
		s.log.Warn("failed to write segment", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// handleTimeout retransmits every segment whose RTO has expired and
// applies the severe congestion reaction once if any did.
func (s *Sender) handleTimeout(now time.Time) {
	expired := s.tr.Expired(now, s.estimator.RTO())
	if len(expired) == 0 {
		return
	}
	s.ctrl.OnTimeout(now)
	for _, seq := range expired {
		seg, ok := s.segs.At(seq)
		if !ok {
			continue // EOF is retried separately by closeEOF, never tracked here
		}
		s.transmit(seq, seg.Payload)
		s.tr.RecordSend(seq, len(seg.Payload), now)
		s.tr.MarkRetransmitted(false)
		if s.metrics != nil {
			s.metrics.IncRetransmit("timeout")
		}
	}
}

// onAck processes one ACK datagram: duplicate-ACK counting and fast
// retransmit (or, for a new cum_ack, the congestion-control progress
// notification), then cumulative/SACK-driven retirement with RTT
// sampling, in that order, so every effect of one ACK is resolved
// before the next segment admission decision.
func (s *Sender) onAck(now time.Time, cumAck uint32, sacks [wire.MaxSACKRanges]wire.SACKRange) {
	isDup := s.haveLastCumAck && cumAck == s.lastCumAck
	if isDup {
		s.dupAckCount++
		s.ctrl.OnDupAck(now)
		if s.metrics != nil {
			s.metrics.IncDuplicateAck()
		}
		if s.dupAckCount >= 3 && !s.inRecovery {
			s.fastRetransmit(now)
			s.dupAckCount = 0
		} else if s.inRecovery && s.dupAckCount%recoveryStallSweepEvery == 0 {
			// The cumulative ACK has stalled on a long run of
			// duplicates; counted from recovery entry, since the
			// triple-dup that opened recovery reset the counter.
			s.sweepStalledRecovery(now)
		}
	} else {
		if s.inRecovery && cumAck > s.recoveryPoint {
			s.inRecovery = false
		}
		s.lastCumAck = cumAck
		s.haveLastCumAck = true
		s.dupAckCount = 0
		s.ctrl.OnAckProgress(now, cumAck)
	}

	s.retireAcked(now, cumAck, sacks)
}

// fastRetransmit resends the oldest unacked segment once per loss
// event and enters recovery, anchored at the current high-water mark.
// The target is always min(unacked), not the cumulative ACK value,
// since SACKs may have filled gaps above the cumulative pointer.
func (s *Sender) fastRetransmit(now time.Time) {
	seq, ok := s.tr.OldestUnacked()
	if !ok {
		return
	}
	seg, ok := s.segs.At(seq)
	if !ok {
		return // EOF is retried separately by closeEOF, never tracked here
	}
	s.transmit(seq, seg.Payload)
	s.tr.RecordSend(seq, len(seg.Payload), now)
	s.tr.MarkRetransmitted(true)

	s.inRecovery = true
	s.recoveryPoint = s.nextSeq - 1
	s.ctrl.OnFastRetransmit(now, s.recoveryPoint)
	if s.metrics != nil {
		s.metrics.IncRetransmit("fast")
	}
}

// sweepStalledRecovery retransmits any RTO-expired segments when the
// cumulative ACK has stalled on a long run of duplicates during
// recovery, without applying a further congestion reaction: the severe
// reaction comes only from handleTimeout (a socket-read timeout, in or
// out of recovery) and the non-severe one only from the initial
// triple-dup-ack.
func (s *Sender) sweepStalledRecovery(now time.Time) {
	expired := s.tr.Expired(now, s.estimator.RTO())
	for _, seq := range expired {
		seg, ok := s.segs.At(seq)
		if !ok {
			continue
		}
		s.transmit(seq, seg.Payload)
		s.tr.RecordSend(seq, len(seg.Payload), now)
		s.tr.MarkRetransmitted(false)
		if s.metrics != nil {
			s.metrics.IncRetransmit("timeout")
		}
	}
}

// retireAcked releases every segment covered by cum_ack or a SACK
// range, sampling RTT for segments whose send-time is unambiguous.
func (s *Sender) retireAcked(now time.Time, cumAck uint32, sacks [wire.MaxSACKRanges]wire.SACKRange) {
	retire := func(seq uint32) {
		if !s.tr.IsUnacked(seq) {
			return
		}
		if sample, ok := s.tr.RecordAck(seq, now); ok {
			s.estimator.Sample(sample)
		}
	}

	for seq, ok := s.tr.OldestUnacked(); ok && seq < cumAck; seq, ok = s.tr.OldestUnacked() {
		retire(seq)
	}
	total := uint32(s.segs.Total())
	if total == 0 {
		return
	}
	for _, r := range sacks {
		if r.IsZero() {
			continue
		}
		// Clip ranges reaching past the last data segment rather than
		// walking sequence numbers no segment can carry.
		end := r.End
		if end > total-1 {
			end = total - 1
		}
		for seq := r.Start; seq <= end; seq++ {
			retire(seq)
		}
	}
}

func (s *Sender) reportMetrics() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetCongestionWindow(s.ctrl.Window())
	s.metrics.SetBytesInFlight(s.tr.InFlight())
	s.metrics.SetRTTEstimates(s.estimator.SRTT().Seconds(), s.estimator.RTO().Seconds())
}

// closeEOF sends the EOF sentinel and waits for it to be acknowledged,
// retrying up to cfg.Transfer.EOFRetries times. Exhausting retries is
// not fatal: the data phase already completed.
func (s *Sender) closeEOF(ctx context.Context) error {
	eofSeq := s.segs.EOFSeq()
	datagram, err := wire.EncodeData(eofSeq, wire.EOFPayload)
	if err != nil {
		return fmt.Errorf("engine: encoding EOF: %w", err)
	}

	buf := make([]byte, maxDatagram)
	for attempt := 0; attempt < s.cfg.Transfer.EOFRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.conn.WriteToUDP(datagram, s.remote); err != nil {
			return fmt.Errorf("engine: sending EOF: %w", err)
		}
		s.conn.SetReadDeadline(time.Now().Add(s.estimator.RTO()))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("engine: reading EOF ack: %w", err)
		}
		cumAck, _, err := wire.DecodeACK(buf[:n])
		if err != nil {
			continue
		}
		if cumAck > eofSeq {
			s.log.Info("eof acknowledged", zap.Int("attempt", attempt+1))
			return nil
		}
	}
	s.log.Warn("eof retries exhausted; transfer data already complete")
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
