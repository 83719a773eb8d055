package repair

import (
	"bytes"
	"context"
	"crypto/md5"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nexoedge/agent/internal/chunk"
	"github.com/nexoedge/agent/internal/container"
	"github.com/nexoedge/agent/internal/containermgr"
	"github.com/nexoedge/agent/internal/wire"
)

var testFileUUID = uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")

// testHelper is the sliver of testing.TB that setup helpers need; satisfied
// by both *testing.T and ginkgo's GinkgoTInterface (GinkgoT()).
type testHelper interface {
	Helper()
	Fatalf(format string, args ...interface{})
	TempDir() string
	Cleanup(func())
}

func testOutputChunk(id int32) *chunk.Chunk {
	return &chunk.Chunk{ID: chunk.ID{NamespaceID: 1, FileUUID: testFileUUID, FileVersion: 1, ChunkID: id}}
}

type fakePeer struct {
	handler func(req *wire.Event) *wire.Event
}

func (f *fakePeer) Send(ctx context.Context, req *wire.Event) (*wire.Event, error) {
	return f.handler(req), nil
}

func (f *fakePeer) Close() error { return nil }

func newTestOrchestrator(t testHelper, containerID int32, handlers map[string]func(*wire.Event) *wire.Event) *Orchestrator {
	t.Helper()
	d, err := container.NewFSDriver(containerID, t.TempDir(), 1<<30, true, false, 1<<16)
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	t.Cleanup(d.Close)
	mgr, err := containermgr.New([]container.Driver{d}, true)
	if err != nil {
		t.Fatalf("containermgr.New: %v", err)
	}
	o := NewOrchestrator(mgr, &wire.EventCounter{}, nil)
	o.dial = func(ctx context.Context, addr string) (peerClient, error) {
		h, ok := handlers[addr]
		if !ok {
			t.Fatalf("unexpected dial to %q", addr)
		}
		return &fakePeer{handler: h}, nil
	}
	return o
}

func getChunkReply(payload string) *wire.Event {
	return &wire.Event{
		Opcode: wire.GetChunkRepSuccess,
		Chunks: []*chunk.Chunk{{Buf: chunk.Buffer{Data: []byte(payload), Owned: true}}},
	}
}

func encChunkReply(payload string) *wire.Event {
	return &wire.Event{
		Opcode: wire.EncChunkRepSuccess,
		Chunks: []*chunk.Chunk{{Buf: chunk.Buffer{Data: []byte(payload), Owned: true}}},
	}
}

func putChunkReply() *wire.Event {
	return &wire.Event{Opcode: wire.PutChunkRepSuccess}
}

var _ = Describe("Orchestrator.Repair", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("conventional repair", func() {
		It("fetches one surviving chunk per peer, combines, and stores local+remote outputs", func() {
			handlers := map[string]func(*wire.Event) *wire.Event{
				"peerA": func(req *wire.Event) *wire.Event {
					Expect(req.Opcode).To(Equal(wire.GetChunkReq))
					return getChunkReply("xxx")
				},
				"peerB": func(req *wire.Event) *wire.Event {
					Expect(req.Opcode).To(Equal(wire.GetChunkReq))
					return getChunkReply("yyy")
				},
				"peerC": func(req *wire.Event) *wire.Event {
					Expect(req.Opcode).To(Equal(wire.PutChunkReq))
					return putChunkReply()
				},
			}
			o := newTestOrchestrator(GinkgoT(), 100, handlers)

			req := &wire.Event{
				ID:           1,
				Opcode:       wire.RprChunkReq,
				NumChunks:    2,
				ContainerIDs: []int32{100, 200},
				Chunks:       []*chunk.Chunk{testOutputChunk(0), testOutputChunk(1)},
				CodingState:  []byte{1, 1, 1, 0}, // 2x2 decode matrix: row0 = A^B, row1 = A
				Repair: &wire.RepairDescriptor{
					ChunkGroupMap:     []int32{2, 10, 11},
					ContainerGroupMap: []int32{5, 6},
					Agents:            "peerA;peerB;peerC;",
					RepairUsingCAR:    false,
				},
			}

			reply, err := o.Repair(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Opcode).To(Equal(wire.RprChunkRepSuccess))

			want := byte('x') ^ byte('y')
			get := &wire.Event{
				ContainerIDs: []int32{100},
				Chunks:       []*chunk.Chunk{testOutputChunk(0)},
			}
			get.Chunks[0].MD5 = md5.Sum(bytes.Repeat([]byte{want}, 3))
			Expect(o.mgr.GetChunks(ctx, get.ContainerIDs, get.Chunks)).To(Succeed())
			for _, b := range get.Chunks[0].Buf.Data {
				Expect(b).To(Equal(want))
			}
		})

		// Pins the wire layout: a single flat record [num_req, id_0, ...,
		// id_num_req-1], never repeated [count, ids...] groups. Each
		// surviving chunk id gets its own single-chunk GET_CHUNK_REQ, sent
		// to addresses consumed in order.
		It("parses a flat chunk-group map as one GET_CHUNK_REQ per surviving chunk", func() {
			var got []string
			mk := func(name, payload string) func(*wire.Event) *wire.Event {
				return func(req *wire.Event) *wire.Event {
					Expect(req.Opcode).To(Equal(wire.GetChunkReq))
					Expect(req.Chunks).To(HaveLen(1))
					got = append(got, name)
					return getChunkReply(payload)
				}
			}
			handlers := map[string]func(*wire.Event) *wire.Event{
				"peerA": mk("peerA", "x"),
				"peerB": mk("peerB", "y"),
				"peerC": mk("peerC", "z"),
			}
			o := newTestOrchestrator(GinkgoT(), 100, handlers)

			req := &wire.Event{
				ID:           5,
				Opcode:       wire.RprChunkReq,
				NumChunks:    1,
				ContainerIDs: []int32{100},
				Chunks:       []*chunk.Chunk{testOutputChunk(0)},
				CodingState:  []byte{1, 1, 1},
				Repair: &wire.RepairDescriptor{
					NumChunkGroups:    1,
					ChunkGroupMap:     []int32{3, 10, 11, 12},
					ContainerGroupMap: []int32{5, 6, 7},
					Agents:            "peerA;peerB;peerC;",
					RepairUsingCAR:    false,
				},
			}

			reply, err := o.Repair(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Opcode).To(Equal(wire.RprChunkRepSuccess))
			Expect(got).To(HaveLen(3))
		})

		It("reduces to a single fetch and local store when only one chunk survived", func() {
			handlers := map[string]func(*wire.Event) *wire.Event{
				"peerA": func(req *wire.Event) *wire.Event {
					Expect(req.Opcode).To(Equal(wire.GetChunkReq))
					return getChunkReply("solo")
				},
			}
			o := newTestOrchestrator(GinkgoT(), 100, handlers)

			req := &wire.Event{
				ID:           2,
				Opcode:       wire.RprChunkReq,
				NumChunks:    1,
				ContainerIDs: []int32{100},
				Chunks:       []*chunk.Chunk{testOutputChunk(0)},
				CodingState:  []byte{1},
				Repair: &wire.RepairDescriptor{
					ChunkGroupMap:     []int32{1, 10},
					ContainerGroupMap: []int32{5},
					Agents:            "peerA;",
					RepairUsingCAR:    false,
				},
			}

			reply, err := o.Repair(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Opcode).To(Equal(wire.RprChunkRepSuccess))
		})

		It("fails the whole repair when any peer fetch fails", func() {
			handlers := map[string]func(*wire.Event) *wire.Event{
				"peerA": func(req *wire.Event) *wire.Event { return getChunkReply("xxx") },
				"peerB": func(req *wire.Event) *wire.Event { return &wire.Event{Opcode: wire.GetChunkRepFail} },
			}
			o := newTestOrchestrator(GinkgoT(), 100, handlers)

			req := &wire.Event{
				ID:           4,
				Opcode:       wire.RprChunkReq,
				NumChunks:    1,
				ContainerIDs: []int32{100},
				Chunks:       []*chunk.Chunk{testOutputChunk(0)},
				CodingState:  []byte{1, 1},
				Repair: &wire.RepairDescriptor{
					ChunkGroupMap:     []int32{2, 10, 11},
					ContainerGroupMap: []int32{5, 6},
					Agents:            "peerA;peerB;",
					RepairUsingCAR:    false,
				},
			}

			reply, err := o.Repair(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Opcode).To(Equal(wire.RprChunkRepFail))
		})
	})

	Context("CAR repair", func() {
		It("combines peer pre-aggregates locally into a single output", func() {
			handlers := map[string]func(*wire.Event) *wire.Event{
				"peerA": func(req *wire.Event) *wire.Event {
					Expect(req.Opcode).To(Equal(wire.EncChunkReq))
					return encChunkReply("aaa")
				},
				"peerB": func(req *wire.Event) *wire.Event {
					Expect(req.Opcode).To(Equal(wire.EncChunkReq))
					return encChunkReply("bbb")
				},
			}
			o := newTestOrchestrator(GinkgoT(), 100, handlers)

			req := &wire.Event{
				ID:           3,
				Opcode:       wire.RprChunkReq,
				NumChunks:    1,
				ContainerIDs: []int32{100},
				Chunks:       []*chunk.Chunk{testOutputChunk(99)},
				CodingState:  []byte{1, 1, 1},
				Repair: &wire.RepairDescriptor{
					ChunkGroupMap:     []int32{2, 10, 11, 1, 12},
					ContainerGroupMap: []int32{5, 6, 7},
					Agents:            "peerA;peerB;",
					RepairUsingCAR:    true,
				},
			}

			reply, err := o.Repair(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Opcode).To(Equal(wire.RprChunkRepSuccess))

			want := byte('a') ^ byte('b')
			get := &wire.Event{
				ContainerIDs: []int32{100},
				Chunks:       []*chunk.Chunk{testOutputChunk(99)},
			}
			get.Chunks[0].MD5 = md5.Sum(bytes.Repeat([]byte{want}, 3))
			Expect(o.mgr.GetChunks(ctx, get.ContainerIDs, get.Chunks)).To(Succeed())
			Expect(get.Chunks[0].Buf.Data[0]).To(Equal(want))
		})
	})
})
