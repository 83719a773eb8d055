package containermgr

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nexoedge/agent/internal/chunk"
	"github.com/nexoedge/agent/internal/container"
)

func newTestDriver(t *testing.T, id int32) *container.FSDriver {
	t.Helper()
	d, err := container.NewFSDriver(id, t.TempDir(), 1<<30, true, false, 1<<16)
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func testChunk(id int32, payload string) *chunk.Chunk {
	c := &chunk.Chunk{
		ID: chunk.ID{
			NamespaceID: 1,
			FileUUID:    uuid.MustParse("123e4567-e89b-12d3-a456-426614174000"),
			FileVersion: 1,
			ChunkID:     id,
		},
	}
	c.Buf = chunk.Buffer{Data: []byte(payload), Owned: true}
	c.ComputeMD5()
	return c
}

func newTestManager(t *testing.T, n int) (*Manager, []int32) {
	t.Helper()
	drivers := make([]container.Driver, n)
	ids := make([]int32, n)
	for i := 0; i < n; i++ {
		d := newTestDriver(t, int32(i))
		drivers[i] = d
		ids[i] = int32(i)
	}
	m, err := New(drivers, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, ids
}

func TestPutGetChunksRoundTrip(t *testing.T) {
	m, ids := newTestManager(t, 3)
	ctx := context.Background()

	chunks := []*chunk.Chunk{testChunk(0, "a"), testChunk(1, "bb"), testChunk(2, "ccc")}
	if err := m.PutChunks(ctx, ids, chunks); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	got := []*chunk.Chunk{
		{ID: chunks[0].ID, MD5: chunks[0].MD5},
		{ID: chunks[1].ID, MD5: chunks[1].MD5},
		{ID: chunks[2].ID, MD5: chunks[2].MD5},
	}
	if err := m.GetChunks(ctx, ids, got); err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	for i, want := range []string{"a", "bb", "ccc"} {
		if string(got[i].Buf.Data) != want {
			t.Errorf("chunk %d = %q, want %q", i, got[i].Buf.Data, want)
		}
	}
}

func TestPutChunksRollsBackOnlyWrittenChunksOnFailure(t *testing.T) {
	m, ids := newTestManager(t, 3)
	ctx := context.Background()

	// containerIDs[2] points past the configured set, so the third put fails.
	badIDs := []int32{ids[0], ids[1], 99}
	chunks := []*chunk.Chunk{testChunk(0, "a"), testChunk(1, "b"), testChunk(2, "c")}

	if err := m.PutChunks(ctx, badIDs, chunks); err == nil {
		t.Fatalf("PutChunks: expected error for unknown container id")
	}

	has0, err := newDriverHas(ctx, m, ids[0], chunks[0])
	if err != nil {
		t.Fatalf("Has chunk 0: %v", err)
	}
	if has0 {
		t.Errorf("chunk 0 should have been rolled back after the batch failed")
	}
	has1, err := newDriverHas(ctx, m, ids[1], chunks[1])
	if err != nil {
		t.Fatalf("Has chunk 1: %v", err)
	}
	if has1 {
		t.Errorf("chunk 1 should have been rolled back after the batch failed")
	}
}

func newDriverHas(ctx context.Context, m *Manager, id int32, c *chunk.Chunk) (bool, error) {
	d, err := m.driver(id)
	if err != nil {
		return false, err
	}
	return d.Has(ctx, c)
}

func TestDeleteChunksIsBestEffort(t *testing.T) {
	m, ids := newTestManager(t, 2)
	ctx := context.Background()

	chunks := []*chunk.Chunk{testChunk(0, "x"), testChunk(1, "y")}
	if err := m.PutChunks(ctx, ids, chunks); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	missing := testChunk(2, "z")
	err := m.DeleteChunks(ctx, []int32{ids[0], ids[1]}, []*chunk.Chunk{chunks[0], missing})
	if err != nil {
		t.Fatalf("DeleteChunks should never fail: %v", err)
	}
}

func TestCopyChunksRollsBackOnFailure(t *testing.T) {
	m, ids := newTestManager(t, 2)
	ctx := context.Background()

	src := []*chunk.Chunk{testChunk(0, "p"), testChunk(1, "q")}
	if err := m.PutChunks(ctx, ids, src); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	dst0 := testChunk(10, "p")
	dst1 := testChunk(11, "q")
	badIDs := []int32{ids[0], 99}

	err := m.CopyChunks(ctx, badIDs, src, []*chunk.Chunk{dst0, dst1})
	if err == nil {
		t.Fatalf("CopyChunks: expected error")
	}
	has, err := newDriverHas(ctx, m, ids[0], dst0)
	if err != nil {
		t.Fatalf("Has dst0: %v", err)
	}
	if has {
		t.Errorf("dst0 should have been rolled back after the batch failed")
	}
}

func TestVerifyChunksCompactsCorruptedToFront(t *testing.T) {
	m, ids := newTestManager(t, 3)
	ctx := context.Background()

	chunks := []*chunk.Chunk{testChunk(0, "a"), testChunk(1, "b"), testChunk(2, "c")}
	if err := m.PutChunks(ctx, ids, chunks); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	// Corrupt the middle chunk's recorded digest so Verify reports it bad.
	chunks[1].MD5[0] ^= 0xff

	n, err := m.VerifyChunks(ctx, ids, chunks)
	if err != nil {
		t.Fatalf("VerifyChunks: %v", err)
	}
	if n != 1 {
		t.Fatalf("corrupted count = %d, want 1", n)
	}
	if chunks[0].ID.ChunkID != 1 {
		t.Errorf("corrupted chunk not compacted to front: got chunk id %d", chunks[0].ID.ChunkID)
	}
}

func TestGetEncodedChunksCombinesWithIdentityMatrix(t *testing.T) {
	m, ids := newTestManager(t, 2)
	ctx := context.Background()

	chunks := []*chunk.Chunk{testChunk(0, "\x01\x02"), testChunk(1, "\x03\x04")}
	if err := m.PutChunks(ctx, ids, chunks); err != nil {
		t.Fatalf("PutChunks: %v", err)
	}

	out, err := m.GetEncodedChunks(ctx, ids, chunks, []byte{1, 1})
	if err != nil {
		t.Fatalf("GetEncodedChunks: %v", err)
	}
	want := []byte{0x01 ^ 0x03, 0x02 ^ 0x04}
	if string(out.Buf.Data) != string(want) {
		t.Errorf("combined = %x, want %x", out.Buf.Data, want)
	}
}

func TestContainerIDsPreservesConstructionOrder(t *testing.T) {
	m, ids := newTestManager(t, 3)
	got := m.ContainerIDs()
	for i, id := range ids {
		if got[i] != id {
			t.Errorf("ContainerIDs()[%d] = %d, want %d", i, got[i], id)
		}
	}
}
