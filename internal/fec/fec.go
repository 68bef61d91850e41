// Package fec implements an optional Forward Error Correction layer on
// top of the wire protocol, using Reed-Solomon coding so the receiver
// can reconstruct a missing data segment without waiting for a
// retransmission round trip.
//
// FEC is additive and wire-compatible with an FEC-naive peer: parity
// datagrams are sent under sequence numbers at wire.FECSeqBase and
// above, a disjoint space from ordinary data sequence numbers, so a
// receiver that does not understand FEC simply never recognizes those
// sequence numbers as deliverable data and ignores them.
//
// Like internal/tracker and internal/recvbuf, the encoder and decoder
// here carry no mutex: the sender drives the encoder from its single
// send loop, and the receiver drives the decoder from its single
// receive loop.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/aetherflow/qudp/internal/wire"
)

const (
	// DefaultDataShards is the number of data segments per FEC group.
	DefaultDataShards = 10

	// DefaultParityShards is the number of parity shards generated per
	// group, i.e. the number of whole-segment losses per group the
	// decoder can repair without a retransmission.
	DefaultParityShards = 2
)

// Config configures the Reed-Solomon shard geometry.
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns the default FEC geometry: one parity shard per
// five data shards.
func DefaultConfig() *Config {
	return &Config{
		DataShards:   DefaultDataShards,
		ParityShards: DefaultParityShards,
	}
}

// group is one encoding/decoding unit: DataShards consecutive data
// segments plus their derived parity shards.
type group struct {
	firstSeq     uint32
	dataShards   [][]byte
	parityShards [][]byte
	received     []bool
	receivedData int
	count        int
	complete     bool
}

// Encoder buffers outgoing data segments into fixed-size groups and
// emits parity shards once a group fills.
type Encoder struct {
	dataShards   int
	parityShards int
	rs           reedsolomon.Encoder
	shardLen     int

	current  *group
	groupSeq uint32 // index of the current group's first data segment
}

// NewEncoder builds an encoder for segments of at most shardLen bytes
// (callers pass wire.DataSize).
func NewEncoder(cfg *Config, shardLen int) (*Encoder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: building reed-solomon encoder: %w", err)
	}
	return &Encoder{
		dataShards:   cfg.DataShards,
		parityShards: cfg.ParityShards,
		rs:           rs,
		shardLen:     shardLen,
	}, nil
}

// AddSegment feeds the data segment at seq into the current group.
// Once the group fills, it returns the parity payloads for that group
// (len == parityShards); otherwise it returns nil.
func (e *Encoder) AddSegment(seq uint32, payload []byte) ([][]byte, error) {
	if e.current == nil {
		e.current = &group{
			firstSeq:   seq,
			dataShards: make([][]byte, e.dataShards),
		}
	}

	padded := make([]byte, e.shardLen)
	copy(padded, payload)
	e.current.dataShards[e.current.count] = padded
	e.current.count++

	if e.current.count < e.dataShards {
		return nil, nil
	}

	parity, err := e.encodeGroup(e.current)
	groupSeq := e.current.firstSeq
	e.current = nil
	if err != nil {
		return nil, err
	}
	e.groupSeq = groupSeq
	return parity, nil
}

// GroupSeq returns the first data-segment sequence of the most
// recently completed group, used by the caller to derive FEC sequence
// numbers for the parity payloads (wire.FECSeqBase + groupSeq + i).
func (e *Encoder) GroupSeq() uint32 {
	return e.groupSeq
}

func (e *Encoder) encodeGroup(g *group) ([][]byte, error) {
	g.parityShards = make([][]byte, e.parityShards)
	for i := range g.parityShards {
		g.parityShards[i] = make([]byte, e.shardLen)
	}
	all := append(append([][]byte{}, g.dataShards...), g.parityShards...)
	if err := e.rs.Encode(all); err != nil {
		return nil, fmt.Errorf("fec: encoding group at seq %d: %w", g.firstSeq, err)
	}
	g.parityShards = all[e.dataShards:]
	return g.parityShards, nil
}

// Decoder reassembles FEC groups from whichever data and parity shards
// arrive and reconstructs missing data shards once enough of the group
// is present.
type Decoder struct {
	dataShards   int
	parityShards int
	rs           reedsolomon.Encoder
	shardLen     int

	groups map[uint32]*group // keyed by group's first data seq

	recovered uint64
	failed    uint64
}

// NewDecoder builds a decoder matching an encoder's geometry.
func NewDecoder(cfg *Config, shardLen int) (*Decoder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rs, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: building reed-solomon decoder: %w", err)
	}
	return &Decoder{
		dataShards:   cfg.DataShards,
		parityShards: cfg.ParityShards,
		rs:           rs,
		shardLen:     shardLen,
		groups:       make(map[uint32]*group),
	}, nil
}

// groupFirstSeq maps a data segment's sequence number to its group's
// first sequence number.
func (d *Decoder) groupFirstSeq(seq uint32) uint32 {
	return (seq / uint32(d.dataShards)) * uint32(d.dataShards)
}

func (d *Decoder) groupFor(firstSeq uint32) *group {
	g, ok := d.groups[firstSeq]
	if !ok {
		g = &group{
			firstSeq:     firstSeq,
			dataShards:   make([][]byte, d.dataShards),
			parityShards: make([][]byte, d.parityShards),
			received:     make([]bool, d.dataShards+d.parityShards),
		}
		d.groups[firstSeq] = g
	}
	return g
}

// AddDataShard records an ordinary data segment's arrival against its
// FEC group, in case the group later needs it for reconstruction of a
// sibling loss. It never itself triggers reconstruction, since an
// in-order data arrival needs no repair.
func (d *Decoder) AddDataShard(seq uint32, payload []byte) {
	firstSeq := d.groupFirstSeq(seq)
	g := d.groupFor(firstSeq)
	if g.complete {
		return
	}
	idx := int(seq - firstSeq)
	if idx < 0 || idx >= d.dataShards {
		return
	}
	if g.received[idx] {
		return
	}
	padded := make([]byte, d.shardLen)
	copy(padded, payload)
	g.dataShards[idx] = padded
	g.received[idx] = true
	g.receivedData++
	g.count++
}

// AddParityShard records a parity datagram's arrival and attempts
// reconstruction if the group now has at least dataShards total
// shards present. On success it returns the reconstructed payload for
// every data shard that was missing, keyed by absolute sequence
// number.
func (d *Decoder) AddParityShard(groupFirstSeq uint32, parityIdx int, payload []byte) (map[uint32][]byte, error) {
	g := d.groupFor(groupFirstSeq)
	if g.complete {
		return nil, nil
	}
	if parityIdx < 0 || parityIdx >= d.parityShards {
		return nil, fmt.Errorf("fec: parity index %d out of range", parityIdx)
	}
	maskIdx := d.dataShards + parityIdx
	if !g.received[maskIdx] {
		padded := make([]byte, d.shardLen)
		copy(padded, payload)
		g.parityShards[parityIdx] = padded
		g.received[maskIdx] = true
		g.count++
	}

	missing := d.dataShards - g.receivedData
	if missing == 0 || g.count < d.dataShards {
		return nil, nil
	}

	recovered, err := d.reconstruct(g)
	if err != nil {
		d.failed++
		return nil, err
	}
	g.complete = true
	d.recovered += uint64(missing)
	return recovered, nil
}

func (d *Decoder) reconstruct(g *group) (map[uint32][]byte, error) {
	all := make([][]byte, d.dataShards+d.parityShards)
	copy(all, g.dataShards)
	copy(all[d.dataShards:], g.parityShards)

	if err := d.rs.Reconstruct(all); err != nil {
		return nil, fmt.Errorf("fec: reconstructing group at seq %d: %w", g.firstSeq, err)
	}
	ok, err := d.rs.Verify(all)
	if err != nil {
		return nil, fmt.Errorf("fec: verifying reconstructed group at seq %d: %w", g.firstSeq, err)
	}
	if !ok {
		return nil, fmt.Errorf("fec: reconstructed group at seq %d failed verification", g.firstSeq)
	}

	out := make(map[uint32][]byte)
	for i := 0; i < d.dataShards; i++ {
		if !g.received[i] {
			out[g.firstSeq+uint32(i)] = all[i]
		}
	}
	return out, nil
}

// CleanupBefore discards decoding groups entirely below seq, bounding
// memory use on a long transfer.
func (d *Decoder) CleanupBefore(seq uint32) {
	for firstSeq, g := range d.groups {
		if firstSeq+uint32(d.dataShards) <= seq {
			_ = g
			delete(d.groups, firstSeq)
		}
	}
}

// SplitParitySeq decodes a wire sequence number in the FEC parity
// space back into the group it belongs to and the parity shard index
// within that group, the inverse of ParitySeq.
func (d *Decoder) SplitParitySeq(seq uint32) (groupFirstSeq uint32, idx int) {
	offset := seq - wire.FECSeqBase
	groupFirstSeq = (offset / uint32(d.dataShards)) * uint32(d.dataShards)
	idx = int(offset - groupFirstSeq)
	return groupFirstSeq, idx
}

// Statistics returns decoder counters for logging/metrics.
func (d *Decoder) Statistics() map[string]uint64 {
	return map[string]uint64{
		"recovered":     d.recovered,
		"failed":        d.failed,
		"active_groups": uint64(len(d.groups)),
	}
}

// ParitySeq derives the wire sequence number for parity shard idx of
// the group starting at groupFirstSeq, placing it in the FEC sequence
// space so it never collides with an ordinary data sequence number.
func ParitySeq(groupFirstSeq uint32, idx int) uint32 {
	return wire.FECSeqBase + groupFirstSeq + uint32(idx)
}
