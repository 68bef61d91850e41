package engine

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/qudp/internal/config"
	"github.com/aetherflow/qudp/internal/fec"
	"github.com/aetherflow/qudp/internal/metrics"
	"github.com/aetherflow/qudp/internal/recvbuf"
	"github.com/aetherflow/qudp/internal/wire"
)

// eofFinalAckRepeats is how many times the receiver repeats its final
// ACK once EOF arrives, since that ACK is the last chance to unblock
// the sender's closeEOF retry loop.
const eofFinalAckRepeats = 5

// Receiver drives the receive side: handshake, reassembly via
// internal/recvbuf, optional FEC reconstruction, and EOF closure.
type Receiver struct {
	conn   *net.UDPConn
	remote *net.UDPAddr

	buf *recvbuf.Buffer
	cfg *config.Config
	log *zap.Logger

	metrics *metrics.Recorder
	fecDec  *fec.Decoder
}

// NewReceiver builds a receiver over an already-bound UDP socket whose
// remote end is remote (resolved during Handshake).
func NewReceiver(conn *net.UDPConn, cfg *config.Config, log *zap.Logger) *Receiver {
	r := &Receiver{
		conn: conn,
		buf:  recvbuf.New(),
		cfg:  cfg,
		log:  log,
	}
	if cfg.FEC.Enable {
		fecCfg := &fec.Config{DataShards: cfg.FEC.DataShards, ParityShards: cfg.FEC.ParityShards}
		if dec, err := fec.NewDecoder(fecCfg, wire.DataSize); err == nil {
			r.fecDec = dec
		} else {
			log.Warn("fec decoder disabled: failed to initialize", zap.Error(err))
		}
	}
	return r
}

// SetMetrics attaches an optional metrics recorder; nil disables
// reporting entirely.
func (r *Receiver) SetMetrics(m *metrics.Recorder) {
	r.metrics = m
}

// Handshake sends the single-byte transfer request up to
// cfg.Transfer.HandshakeRetries times, waiting HandshakeTimeout for any
// reply, and records the sender's address on success.
func (r *Receiver) Handshake(ctx context.Context, server *net.UDPAddr) error {
	buf := make([]byte, maxDatagram)
	for attempt := 0; attempt < r.cfg.Transfer.HandshakeRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.conn.WriteToUDP(helloPayload, server); err != nil {
			return fmt.Errorf("engine: sending handshake request: %w", err)
		}
		r.conn.SetReadDeadline(time.Now().Add(r.cfg.Transfer.HandshakeTimeout))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				r.log.Debug("handshake timed out, retrying", zap.Int("attempt", attempt+1))
				continue
			}
			return fmt.Errorf("engine: awaiting handshake reply: %w", err)
		}
		if n == 0 {
			continue
		}
		r.remote = addr
		r.log.Info("handshake complete", zap.String("addr", addr.String()))
		return nil
	}
	return fmt.Errorf("engine: handshake failed after %d attempts", r.cfg.Transfer.HandshakeRetries)
}

// Run receives segments until EOF arrives, reassembles them in order,
// and returns the reconstructed byte sequence.
func (r *Receiver) Run(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxDatagram)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.conn.SetReadDeadline(time.Now().Add(r.cfg.Transfer.IdleACKInterval))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				r.resendCurrentACK()
				continue
			}
			return nil, fmt.Errorf("engine: reading segment: %w", err)
		}

		seq, payload, err := wire.DecodeData(buf[:n])
		if err != nil {
			r.log.Debug("discarding malformed datagram", zap.Error(err))
			continue
		}

		if wire.IsFECSeq(seq) {
			r.handleParity(seq, payload)
			continue
		}

		if bytes.Equal(payload, wire.EOFPayload) && seq == r.expectedEOFSeq() {
			return r.finalizeEOF(seq), nil
		}

		r.handleDataSegment(seq, payload)
	}
}

// expectedEOFSeq returns the only sequence at which an "EOF" payload is
// taken as the end-of-stream sentinel: the current delivery cursor. The
// sender sends EOF only after every data segment is acknowledged, so a
// genuine EOF arrives with the cursor already at N. An "EOF" payload at
// any other sequence, including an EOF that arrives ahead of missing
// data, goes through the ordinary data path.
func (r *Receiver) expectedEOFSeq() uint32 {
	return r.buf.NextExpected()
}

func (r *Receiver) handleDataSegment(seq uint32, payload []byte) {
	ack := r.buf.AddSegment(seq, payload)
	if r.fecDec != nil {
		r.fecDec.AddDataShard(seq, payload)
	}
	r.sendACK(ack)
}

// handleParity feeds a parity datagram to the FEC decoder and, if it
// completes reconstruction of its group, injects every recovered
// segment into the reassembly buffer exactly as if it had arrived
// directly, sending the resulting ACK for each.
func (r *Receiver) handleParity(seq uint32, payload []byte) {
	if r.fecDec == nil {
		return
	}
	groupFirstSeq, idx := r.fecDec.SplitParitySeq(seq)
	recovered, err := r.fecDec.AddParityShard(groupFirstSeq, idx, payload)
	if err != nil {
		r.log.Debug("fec reconstruction failed", zap.Uint32("group", groupFirstSeq), zap.Error(err))
		if r.metrics != nil {
			r.metrics.IncFECFailed()
		}
		return
	}
	if len(recovered) == 0 {
		return
	}
	if r.metrics != nil {
		r.metrics.IncFECRecovered(len(recovered))
	}
	for dataSeq, data := range recovered {
		ack := r.buf.AddSegment(dataSeq, data)
		r.sendACK(ack)
	}
}

func (r *Receiver) resendCurrentACK() {
	if r.remote == nil {
		return
	}
	r.sendACK(r.buf.CurrentACK())
}

func (r *Receiver) sendACK(ack recvbuf.ACK) {
	datagram := wire.EncodeACK(ack.CumAck, ack.SACKs)
	if _, err := r.conn.WriteToUDP(datagram, r.remote); err != nil {
		r.log.Warn("failed to send ack", zap.Error(err))
	}
}

func (r *Receiver) finalizeEOF(eofSeq uint32) []byte {
	ack := r.buf.FinalizeEOF(eofSeq)
	for i := 0; i < eofFinalAckRepeats; i++ {
		r.sendACK(ack)
	}
	r.log.Info("transfer complete", zap.Int("bytes", len(r.buf.Output())))
	return r.buf.Output()
}
