package worker

import (
	"context"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexoedge/agent/internal/chunk"
	"github.com/nexoedge/agent/internal/container"
	"github.com/nexoedge/agent/internal/containermgr"
	"github.com/nexoedge/agent/internal/stats"
	"github.com/nexoedge/agent/internal/wire"
)

// testHelper is the sliver of testing.TB that setup helpers need; satisfied
// by both *testing.T and ginkgo's GinkgoTInterface (GinkgoT()).
type testHelper interface {
	Helper()
	Fatalf(format string, args ...interface{})
	TempDir() string
	Cleanup(func())
}

func newTestManager(t testHelper, n int) (*containermgr.Manager, []int32) {
	t.Helper()
	drivers := make([]container.Driver, n)
	ids := make([]int32, n)
	for i := 0; i < n; i++ {
		d, err := container.NewFSDriver(int32(i), t.TempDir(), 1<<30, true, false, 1<<16)
		if err != nil {
			t.Fatalf("NewFSDriver: %v", err)
		}
		t.Cleanup(d.Close)
		drivers[i] = d
		ids[i] = int32(i)
	}
	m, err := containermgr.New(drivers, true)
	if err != nil {
		t.Fatalf("containermgr.New: %v", err)
	}
	return m, ids
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

func newTestDispatcher(t testHelper, n int) (*Dispatcher, []int32) {
	t.Helper()
	mgr, ids := newTestManager(t, n)
	st := stats.New(prometheus.NewRegistry())
	return NewDispatcher(mgr, nil, st, &wire.EventCounter{}), ids
}

var _ = Describe("Dispatcher.Handle", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("round-trips a put followed by a get", func() {
		d, ids := newTestDispatcher(GinkgoT(), 2)

		put := &wire.Event{
			ID:           1,
			Opcode:       wire.PutChunkReq,
			NumChunks:    2,
			ContainerIDs: ids,
			Chunks:       []*chunk.Chunk{testChunk(0, "hello"), testChunk(1, "world!")},
		}
		reply := d.Handle(ctx, put)
		Expect(reply.Opcode).To(Equal(wire.PutChunkRepSuccess))

		get := &wire.Event{
			ID:           2,
			Opcode:       wire.GetChunkReq,
			NumChunks:    2,
			ContainerIDs: ids,
			Chunks: []*chunk.Chunk{
				{ID: chunk.ID{NamespaceID: 1, FileUUID: put.Chunks[0].ID.FileUUID, FileVersion: 1, ChunkID: 0}, MD5: put.Chunks[0].MD5},
				{ID: chunk.ID{NamespaceID: 1, FileUUID: put.Chunks[1].ID.FileUUID, FileVersion: 1, ChunkID: 1}, MD5: put.Chunks[1].MD5},
			},
		}
		reply = d.Handle(ctx, get)
		Expect(reply.Opcode).To(Equal(wire.GetChunkRepSuccess))
		Expect(string(reply.Chunks[0].Buf.Data)).To(Equal("hello"))
		Expect(string(reply.Chunks[1].Buf.Data)).To(Equal("world!"))
	})

	It("always succeeds on delete", func() {
		d, ids := newTestDispatcher(GinkgoT(), 1)

		req := &wire.Event{
			ID:           3,
			Opcode:       wire.DelChunkReq,
			NumChunks:    1,
			ContainerIDs: ids,
			Chunks:       []*chunk.Chunk{testChunk(0, "x")},
		}
		reply := d.Handle(ctx, req)
		Expect(reply.Opcode).To(Equal(wire.DelChunkRepSuccess))
	})

	It("fails repair when no orchestrator is wired", func() {
		d, _ := newTestDispatcher(GinkgoT(), 1)
		reply := d.Handle(ctx, &wire.Event{ID: 4, Opcode: wire.RprChunkReq})
		Expect(reply.Opcode).To(Equal(wire.RprChunkRepFail))
	})

	It("reports unknown opcodes", func() {
		d, _ := newTestDispatcher(GinkgoT(), 1)
		reply := d.Handle(ctx, &wire.Event{ID: 5, Opcode: wire.Opcode(9999)})
		Expect(reply.Opcode).To(Equal(wire.UnknownOp))
	})
})
