package worker

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nexoedge/agent/internal/chunk"
	"github.com/nexoedge/agent/internal/wire"
)

var _ = Describe("Pool.Submit", func() {
	It("round-trips a single submission", func() {
		d, ids := newTestDispatcher(GinkgoT(), 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := NewPool(ctx, 2, d)
		defer p.Close()

		req := &wire.Event{
			ID:           1,
			Opcode:       wire.DelChunkReq,
			NumChunks:    1,
			ContainerIDs: ids,
			Chunks:       []*chunk.Chunk{testChunk(0, "x")},
		}
		reply, err := p.Submit(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Opcode).To(Equal(wire.DelChunkRepSuccess))
	})

	It("serves many concurrent submissions, each answered with its own request id", func() {
		d, _ := newTestDispatcher(GinkgoT(), 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := NewPool(ctx, 4, d)
		defer p.Close()

		const n = 20
		type outcome struct {
			id      uint32
			replyID uint32
			err     error
		}
		results := make(chan outcome, n)
		for i := 0; i < n; i++ {
			go func(id uint32) {
				reply, err := p.Submit(ctx, &wire.Event{ID: id, Opcode: wire.RprChunkReq})
				if err != nil {
					results <- outcome{id: id, err: err}
					return
				}
				results <- outcome{id: id, replyID: reply.ID}
			}(uint32(i))
		}
		for i := 0; i < n; i++ {
			o := <-results
			Expect(o.err).NotTo(HaveOccurred())
			Expect(o.replyID).To(Equal(o.id))
		}
	})

	It("returns an error once the submitting context is cancelled before dispatch", func() {
		d, _ := newTestDispatcher(GinkgoT(), 1)
		poolCtx, poolCancel := context.WithCancel(context.Background())
		p := NewPool(poolCtx, 1, d)
		poolCancel() // stop every worker so no job is ever drained

		reqCtx, reqCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer reqCancel()

		_, err := p.Submit(reqCtx, &wire.Event{ID: 99, Opcode: wire.SynPing})
		Expect(err).To(HaveOccurred())
	})
})
