// Package sendbuf partitions a source byte sequence into fixed-size
// segments once at session start.
package sendbuf

import "github.com/aetherflow/qudp/internal/wire"

// Segment is an immutable (sequence number, payload) pair.
type Segment struct {
	Seq     uint32
	Payload []byte
}

// Buffer holds the segmentation of one session's source file plus the
// sentinel EOF segment at sequence N.
type Buffer struct {
	segments []Segment
	eofSeq   uint32
}

// New segments data into consecutive DATA_SIZE chunks, with a final
// possibly-shorter chunk carrying the remainder, and appends the EOF
// sentinel at sequence N = len(segments).
func New(data []byte) *Buffer {
	b := &Buffer{}
	seq := uint32(0)
	for offset := 0; offset < len(data); offset += wire.DataSize {
		end := offset + wire.DataSize
		if end > len(data) {
			end = len(data)
		}
		b.segments = append(b.segments, Segment{Seq: seq, Payload: data[offset:end]})
		seq++
	}
	b.eofSeq = seq
	return b
}

// Total returns the number of data segments (N), excluding EOF.
func (b *Buffer) Total() int {
	return len(b.segments)
}

// EOFSeq returns the sequence number of the EOF sentinel (== Total()).
func (b *Buffer) EOFSeq() uint32 {
	return b.eofSeq
}

// At returns the segment at index seq. ok is false for an out-of-range
// index, including the EOF sequence (use EOFSeq/EOFPayload for that).
func (b *Buffer) At(seq uint32) (Segment, bool) {
	if seq >= uint32(len(b.segments)) {
		return Segment{}, false
	}
	return b.segments[seq], true
}

// Len returns the payload byte count for seq, including the EOF
// sentinel's fixed 3-byte payload.
func (b *Buffer) Len(seq uint32) int {
	if seq == b.eofSeq {
		return len(wire.EOFPayload)
	}
	if seg, ok := b.At(seq); ok {
		return len(seg.Payload)
	}
	return 0
}

// TotalBytes returns the total source byte count (excluding EOF).
func (b *Buffer) TotalBytes() int {
	n := 0
	for _, s := range b.segments {
		n += len(s.Payload)
	}
	return n
}
