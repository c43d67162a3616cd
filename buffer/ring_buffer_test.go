// File: buffer/ring_buffer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestRingBuffer_WriteRead checks the basic FIFO contract.
func TestRingBuffer_WriteRead(t *testing.T) {
	b := NewRingBuffer(16)
	b.WriteAll([]byte("hello"))
	if got := b.Readable(); got != 5 {
		t.Fatalf("Readable = %d, want 5", got)
	}
	out := b.ReadUpTo(3)
	if string(out) != "hel" {
		t.Fatalf("ReadUpTo(3) = %q, want %q", out, "hel")
	}
	out = b.ReadUpTo(100)
	if string(out) != "lo" {
		t.Fatalf("ReadUpTo(100) = %q, want %q", out, "lo")
	}
	if b.Readable() != 0 {
		t.Errorf("Readable = %d after full drain, want 0", b.Readable())
	}
}

// TestRingBuffer_Growth verifies the 1.5x growth rule keeps all bytes.
func TestRingBuffer_Growth(t *testing.T) {
	b := NewRingBuffer(8)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.WriteAll(payload[:4])
	b.WriteAll(payload[4:])
	if b.Capacity() < 100 {
		t.Fatalf("Capacity = %d, want >= 100", b.Capacity())
	}
	if got := b.ReadUpTo(200); !bytes.Equal(got, payload) {
		t.Fatalf("read back %d bytes, mismatch with written payload", len(got))
	}
}

// TestRingBuffer_MoveRead rejects crossing the write index.
func TestRingBuffer_MoveRead(t *testing.T) {
	b := NewRingBuffer(16)
	b.WriteAll([]byte("abcd"))
	if err := b.MoveRead(5); err == nil {
		t.Error("MoveRead past write index should fail")
	}
	if err := b.MoveRead(4); err != nil {
		t.Errorf("MoveRead(4) error: %v", err)
	}
}

// TestRingBuffer_Compaction checks the read index is rebased once the
// dead prefix exceeds a third of capacity.
func TestRingBuffer_Compaction(t *testing.T) {
	b := NewRingBuffer(30)
	b.WriteAll(make([]byte, 25))
	b.ReadUpTo(20) // consumed prefix is now well past capacity/3
	if b.ReadIndex() != 0 {
		t.Errorf("ReadIndex = %d after compaction, want 0", b.ReadIndex())
	}
	if b.Readable() != 5 {
		t.Errorf("Readable = %d after compaction, want 5", b.Readable())
	}
}

// TestRingBuffer_Invariant fuzzes random writes and reads; the
// concatenation of bytes read must equal the concatenation written, and
// the index ordering must hold throughout.
func TestRingBuffer_Invariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := NewRingBuffer(16)
	var written, read []byte
	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			chunk := make([]byte, rng.Intn(64))
			rng.Read(chunk)
			b.WriteAll(chunk)
			written = append(written, chunk...)
		} else {
			read = append(read, b.ReadUpTo(rng.Intn(64))...)
		}
		if b.ReadIndex() < 0 || b.ReadIndex() > b.WriteIndex() || b.WriteIndex() > b.Capacity() {
			t.Fatalf("index invariant violated: read=%d write=%d cap=%d",
				b.ReadIndex(), b.WriteIndex(), b.Capacity())
		}
	}
	read = append(read, b.ReadUpTo(1<<20)...)
	if !bytes.Equal(written, read) {
		t.Fatalf("read stream diverged from written stream (%d vs %d bytes)", len(read), len(written))
	}
}
