// Package wire implements the datagram codec: the fixed 20-byte
// header shared by data and ACK datagrams, and marshalling for both
// directions.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed header length for every datagram.
	HeaderSize = 20

	// ReservedSize is the span of the header following the leading
	// sequence/ack field: zeroed on data datagrams, four big-endian
	// uint32 SACK bounds on ACK datagrams.
	ReservedSize = 16

	// DataSize is the maximum payload carried by a data datagram.
	DataSize = 1180

	// MaxDatagramSize bounds the total wire size of any datagram.
	MaxDatagramSize = HeaderSize + DataSize

	// MaxSACKRanges is the number of SACK range slots in the header.
	MaxSACKRanges = 2
)

// EOFPayload is the sentinel payload carried by the EOF segment.
var EOFPayload = []byte("EOF")

// ReadyPayload is the payload of the sender's handshake-ready datagram.
var ReadyPayload = []byte("ACK")

// SACKRange is an inclusive [Start, End] range of received sequence
// numbers. The zero value denotes an unused slot.
type SACKRange struct {
	Start uint32
	End   uint32
}

// IsZero reports whether r is the empty-slot sentinel (0,0).
func (r SACKRange) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

// EncodeData marshals a data datagram: seq(4) | zeros(16) | payload.
func EncodeData(seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > DataSize {
		return nil, fmt.Errorf("wire: payload %d exceeds DATA_SIZE %d", len(payload), DataSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], seq)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeData parses a data datagram. Datagrams shorter than HeaderSize
// are rejected; the caller is expected to discard them silently per
// the malformed-datagram error kind.
func DecodeData(buf []byte) (seq uint32, payload []byte, err error) {
	if len(buf) < HeaderSize {
		return 0, nil, fmt.Errorf("wire: datagram too short: %d bytes", len(buf))
	}
	seq = binary.BigEndian.Uint32(buf[0:4])
	if len(buf) > HeaderSize {
		payload = make([]byte, len(buf)-HeaderSize)
		copy(payload, buf[HeaderSize:])
	}
	return seq, payload, nil
}

// EncodeACK marshals an ACK datagram:
// cum_ack(4) | s1(4) | e1(4) | s2(4) | e2(4).
func EncodeACK(cumAck uint32, sacks [MaxSACKRanges]SACKRange) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], cumAck)
	offset := 4
	for _, r := range sacks {
		binary.BigEndian.PutUint32(buf[offset:offset+4], r.Start)
		binary.BigEndian.PutUint32(buf[offset+4:offset+8], r.End)
		offset += 8
	}
	return buf
}

// DecodeACK parses an ACK datagram. A SACK range with End < Start is a
// protocol violation and is zeroed out rather than rejecting the whole
// ACK, so the cumulative field is never thrown away over one bad range.
func DecodeACK(buf []byte) (cumAck uint32, sacks [MaxSACKRanges]SACKRange, err error) {
	if len(buf) < HeaderSize {
		return 0, sacks, fmt.Errorf("wire: ACK datagram too short: %d bytes", len(buf))
	}
	cumAck = binary.BigEndian.Uint32(buf[0:4])
	offset := 4
	for i := range sacks {
		start := binary.BigEndian.Uint32(buf[offset : offset+4])
		end := binary.BigEndian.Uint32(buf[offset+4 : offset+8])
		offset += 8
		if start == 0 && end == 0 {
			continue
		}
		if end < start {
			// Protocol violation: log-and-ignore the offending range.
			continue
		}
		sacks[i] = SACKRange{Start: start, End: end}
	}
	return cumAck, sacks, nil
}

// FECSeqBase marks the start of the sequence-number space reserved for
// FEC parity datagrams (internal/fec), disjoint from any real data or
// EOF sequence number so a FEC-naive receiver treats them as
// out-of-window and drops them rather than misinterpreting them.
const FECSeqBase uint32 = 1 << 31

// IsFECSeq reports whether seq falls in the FEC parity sequence space.
func IsFECSeq(seq uint32) bool {
	return seq >= FECSeqBase
}
