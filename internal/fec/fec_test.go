package fec

import (
	"bytes"
	"testing"
)

const testShardLen = 16

func testConfig() *Config {
	return &Config{DataShards: 4, ParityShards: 2}
}

func fillGroup(t *testing.T, enc *Encoder, start uint32) [][]byte {
	t.Helper()
	var parity [][]byte
	for i := uint32(0); i < 4; i++ {
		payload := bytes.Repeat([]byte{byte(start + i)}, testShardLen)
		p, err := enc.AddSegment(start+i, payload)
		if err != nil {
			t.Fatalf("AddSegment(%d): %v", start+i, err)
		}
		if p != nil {
			parity = p
		}
	}
	return parity
}

func TestEncoderEmitsParityOnGroupComplete(t *testing.T) {
	enc, err := NewEncoder(testConfig(), testShardLen)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	parity := fillGroup(t, enc, 0)
	if len(parity) != 2 {
		t.Fatalf("expected 2 parity shards, got %d", len(parity))
	}
	if enc.GroupSeq() != 0 {
		t.Errorf("GroupSeq: got %d, want 0", enc.GroupSeq())
	}
}

func TestDecoderReconstructsSingleLoss(t *testing.T) {
	enc, err := NewEncoder(testConfig(), testShardLen)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(testConfig(), testShardLen)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	payloads := make(map[uint32][]byte)
	var parity [][]byte
	for i := uint32(0); i < 4; i++ {
		p := bytes.Repeat([]byte{byte(i + 1)}, testShardLen)
		payloads[i] = p
		out, err := enc.AddSegment(i, p)
		if err != nil {
			t.Fatalf("AddSegment(%d): %v", i, err)
		}
		if out != nil {
			parity = out
		}
	}

	// Segment 2 is "lost": never delivered to the decoder.
	for seq, payload := range payloads {
		if seq == 2 {
			continue
		}
		dec.AddDataShard(seq, payload)
	}

	var recovered map[uint32][]byte
	for i, p := range parity {
		out, err := dec.AddParityShard(0, i, p)
		if err != nil {
			t.Fatalf("AddParityShard(%d): %v", i, err)
		}
		if out != nil {
			recovered = out
		}
	}

	if recovered == nil {
		t.Fatal("expected reconstruction after first parity shard arrives (4 of 4 shards present)")
	}
	got, ok := recovered[2]
	if !ok {
		t.Fatal("expected seq 2 in recovered map")
	}
	if !bytes.Equal(got, payloads[2]) {
		t.Errorf("recovered payload mismatch: got %v, want %v", got, payloads[2])
	}
}

func TestDecoderNoOpWithoutEnoughShards(t *testing.T) {
	dec, err := NewDecoder(testConfig(), testShardLen)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	dec.AddDataShard(0, bytes.Repeat([]byte{1}, testShardLen))
	dec.AddDataShard(1, bytes.Repeat([]byte{2}, testShardLen))

	out, err := dec.AddParityShard(0, 0, bytes.Repeat([]byte{9}, testShardLen))
	if err != nil {
		t.Fatalf("AddParityShard: %v", err)
	}
	if out != nil {
		t.Error("expected no reconstruction with only 3 of 4 required shards present")
	}
}

func TestParitySeqDisjointFromDataSpace(t *testing.T) {
	seq := ParitySeq(0, 0)
	if seq < (1 << 31) {
		t.Errorf("parity sequence %d must fall in the FEC sequence space", seq)
	}
}

func TestCleanupBeforeRemovesOldGroups(t *testing.T) {
	dec, err := NewDecoder(testConfig(), testShardLen)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	dec.AddDataShard(0, bytes.Repeat([]byte{1}, testShardLen))
	dec.AddDataShard(8, bytes.Repeat([]byte{1}, testShardLen))

	dec.CleanupBefore(8)

	if _, ok := dec.groups[0]; ok {
		t.Error("expected group starting at 0 to be cleaned up")
	}
	if _, ok := dec.groups[8]; !ok {
		t.Error("expected group starting at 8 to remain")
	}
}
