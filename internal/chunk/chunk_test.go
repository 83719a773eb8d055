package chunk

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestChunkName(t *testing.T) {
	u := uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")
	id := ID{NamespaceID: 3, FileUUID: u, FileVersion: 7, ChunkID: 2}
	got := id.Name()
	want := "3_123e4567-e89b-12d3-a456-426614174000_7_2"
	if got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
}

func TestChunkVerifyMD5(t *testing.T) {
	c := &Chunk{Buf: Buffer{Data: bytes.Repeat([]byte{'a'}, 1024), Owned: true}}
	c.ComputeMD5()
	if !c.VerifyMD5() {
		t.Errorf("VerifyMD5() = false after ComputeMD5()")
	}
	c.Buf.Data[0] = 'b'
	if c.VerifyMD5() {
		t.Errorf("VerifyMD5() = true after corrupting payload")
	}
}

func TestTruncatedChunkVersion(t *testing.T) {
	long := bytes.Repeat([]byte{'x'}, 64)
	got := TruncatedChunkVersion(string(long))
	if len(got) != ChunkVersionMaxLen {
		t.Errorf("len(TruncatedChunkVersion) = %d, want %d", len(got), ChunkVersionMaxLen)
	}
}

func TestBufferBorrowDoesNotOwn(t *testing.T) {
	owned := Buffer{Data: []byte{1, 2, 3}, Owned: true}
	borrowed := owned.Borrow()
	if borrowed.Owned {
		t.Errorf("Borrow() produced an owning buffer")
	}
	borrowed.Release()
	if owned.Data == nil {
		t.Errorf("releasing a borrowed buffer must not affect the owner")
	}
}
