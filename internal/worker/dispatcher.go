// Package worker implements the fixed-size worker pool and per-opcode
// dispatch table that services chunk events once they are decoded off the
// wire: one goroutine loop per worker, each handling one event at a time,
// fed by a shared job channel (the in-process equivalent of a dealer
// socket backing a router-socket frontend).
package worker

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/nexoedge/agent/internal/chunk"
	"github.com/nexoedge/agent/internal/containermgr"
	"github.com/nexoedge/agent/internal/stats"
	"github.com/nexoedge/agent/internal/wire"
)

// Repairer handles RPR_CHUNK_REQ events, implemented by internal/repair's
// Orchestrator. Declared here, not there, so worker never imports repair.
type Repairer interface {
	Repair(ctx context.Context, req *wire.Event) (*wire.Event, error)
}

// Dispatcher routes a decoded event to the container manager operation (or
// the repair orchestrator) its opcode names, and builds the reply event.
type Dispatcher struct {
	mgr     *containermgr.Manager
	repair  Repairer
	stats   *stats.Stats
	events  *wire.EventCounter
}

// NewDispatcher constructs a Dispatcher. repair may be nil if the agent is
// configured with no peers (repair requests then fail fast).
func NewDispatcher(mgr *containermgr.Manager, repair Repairer, st *stats.Stats, events *wire.EventCounter) *Dispatcher {
	return &Dispatcher{mgr: mgr, repair: repair, stats: st, events: events}
}

// Events returns the shared event-id generator the dispatcher was
// constructed with.
func (d *Dispatcher) Events() *wire.EventCounter { return d.events }

func now() wire.TimePair {
	t := time.Now()
	return wire.TimePair{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

func chunkBytes(chunks []*chunk.Chunk) int {
	n := 0
	for _, c := range chunks {
		n += c.Size()
	}
	return n
}

// Handle processes req and returns the reply event. It never returns an
// error: every outcome, success or failure, is represented as a reply
// opcode so the caller always has exactly one message to send back.
func (d *Dispatcher) Handle(ctx context.Context, req *wire.Event) *wire.Event {
	start := now()

	reply := d.dispatch(ctx, req)

	reply.Timestamps.P2AEnd = req.Timestamps.P2AStart
	reply.Timestamps.AgentProcessStart = start
	reply.Timestamps.AgentProcessEnd = now()
	reply.Timestamps.A2PStart = now()

	success := wire.FromAgent(reply.Opcode) && !isFailOpcode(reply.Opcode)
	d.stats.IncrementOp(req.Opcode.String(), success)

	return reply
}

func isFailOpcode(op wire.Opcode) bool {
	switch op {
	case wire.PutChunkRepFail, wire.GetChunkRepFail, wire.DelChunkRepFail,
		wire.CpyChunkRepFail, wire.EncChunkRepFail, wire.ChkChunkRepFail,
		wire.MovChunkRepFail, wire.VrfChunkRepFail, wire.RvtChunkRepFail,
		wire.RprChunkRepFail, wire.RegAgentRepFail:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, req *wire.Event) *wire.Event {
	switch req.Opcode {
	case wire.PutChunkReq:
		return d.handlePut(ctx, req)
	case wire.GetChunkReq:
		return d.handleGet(ctx, req)
	case wire.DelChunkReq:
		return d.handleDelete(ctx, req)
	case wire.CpyChunkReq:
		return d.handleCopy(ctx, req)
	case wire.MovChunkReq:
		return d.handleMove(ctx, req)
	case wire.EncChunkReq:
		return d.handleEncode(ctx, req)
	case wire.ChkChunkReq:
		return d.handleHas(ctx, req)
	case wire.VrfChunkReq:
		return d.handleVerify(ctx, req)
	case wire.RvtChunkReq:
		return d.handleRevert(ctx, req)
	case wire.RprChunkReq:
		return d.handleRepair(ctx, req)
	default:
		glog.Errorf("worker: no dispatch for opcode %s", req.Opcode)
		return &wire.Event{ID: req.ID, Opcode: wire.UnknownOp}
	}
}

func (d *Dispatcher) handlePut(ctx context.Context, req *wire.Event) *wire.Event {
	reply := *req
	if err := d.mgr.PutChunks(ctx, req.ContainerIDs, req.Chunks); err != nil {
		glog.Errorf("worker: put %d chunks: %v", req.NumChunks, err)
		reply.Opcode = wire.PutChunkRepFail
		return &reply
	}
	d.stats.AddIngressChunkTraffic(chunkBytes(req.Chunks))
	reply.Opcode = wire.PutChunkRepSuccess
	return &reply
}

func (d *Dispatcher) handleGet(ctx context.Context, req *wire.Event) *wire.Event {
	reply := *req
	if err := d.mgr.GetChunks(ctx, req.ContainerIDs, req.Chunks); err != nil {
		glog.Errorf("worker: get %d chunks: %v", req.NumChunks, err)
		reply.Opcode = wire.GetChunkRepFail
		return &reply
	}
	d.stats.AddEgressChunkTraffic(chunkBytes(req.Chunks))
	reply.Opcode = wire.GetChunkRepSuccess
	return &reply
}

func (d *Dispatcher) handleDelete(ctx context.Context, req *wire.Event) *wire.Event {
	reply := *req
	// Best-effort: DeleteChunks never returns an error.
	_ = d.mgr.DeleteChunks(ctx, req.ContainerIDs, req.Chunks)
	reply.Opcode = wire.DelChunkRepSuccess
	return &reply
}

func (d *Dispatcher) handleCopy(ctx context.Context, req *wire.Event) *wire.Event {
	n := int(req.NumChunks)
	src, dst := splitTuples(req.Chunks, n)

	reply := *req
	if err := d.mgr.CopyChunks(ctx, req.ContainerIDs, src, dst); err != nil {
		glog.Errorf("worker: copy %d chunks: %v", n, err)
		reply.Opcode = wire.CpyChunkRepFail
		return &reply
	}
	for i := 0; i < n; i++ {
		src[i].CopyMeta(dst[i], true)
	}
	reply.Chunks = src
	reply.Opcode = wire.CpyChunkRepSuccess
	return &reply
}

func (d *Dispatcher) handleMove(ctx context.Context, req *wire.Event) *wire.Event {
	n := int(req.NumChunks)
	src, dst := splitTuples(req.Chunks, n)

	reply := *req
	if err := d.mgr.MoveChunks(ctx, req.ContainerIDs, src, dst); err != nil {
		glog.Errorf("worker: move %d chunks: %v", n, err)
		reply.Opcode = wire.MovChunkRepFail
		return &reply
	}
	for i := 0; i < n; i++ {
		src[i].CopyMeta(dst[i], true)
	}
	reply.Chunks = src
	reply.Opcode = wire.MovChunkRepSuccess
	return &reply
}

// splitTuples divides a copy/move request's chunk_factor=2 array into its
// src (first n) and dst (next n) halves.
func splitTuples(chunks []*chunk.Chunk, n int) (src, dst []*chunk.Chunk) {
	if len(chunks) < 2*n {
		return chunks, nil
	}
	return chunks[:n], chunks[n : 2*n]
}

func (d *Dispatcher) handleEncode(ctx context.Context, req *wire.Event) *wire.Event {
	out, err := d.mgr.GetEncodedChunks(ctx, req.ContainerIDs, req.Chunks, req.CodingState)
	if err != nil {
		glog.Errorf("worker: encode %d chunks: %v", req.NumChunks, err)
		return &wire.Event{ID: req.ID, Opcode: wire.EncChunkRepFail}
	}
	out.ComputeMD5()
	return &wire.Event{
		ID:        req.ID,
		Opcode:    wire.EncChunkRepSuccess,
		NumChunks: 1,
		Chunks:    []*chunk.Chunk{out},
	}
}

func (d *Dispatcher) handleHas(ctx context.Context, req *wire.Event) *wire.Event {
	reply := *req
	ok, err := d.mgr.HasChunks(ctx, req.ContainerIDs, req.Chunks)
	if err != nil || !ok {
		if err != nil {
			glog.Errorf("worker: has %d chunks: %v", req.NumChunks, err)
		}
		reply.Opcode = wire.ChkChunkRepFail
		return &reply
	}
	reply.Opcode = wire.ChkChunkRepSuccess
	return &reply
}

func (d *Dispatcher) handleVerify(ctx context.Context, req *wire.Event) *wire.Event {
	n, err := d.mgr.VerifyChunks(ctx, req.ContainerIDs, req.Chunks)
	if err != nil || n < 0 {
		glog.Errorf("worker: verify %d chunks: %v", req.NumChunks, err)
		return &wire.Event{ID: req.ID, Opcode: wire.VrfChunkRepFail}
	}
	return &wire.Event{
		ID:        req.ID,
		Opcode:    wire.VrfChunkRepSuccess,
		NumChunks: int32(n),
		Chunks:    req.Chunks[:n],
	}
}

func (d *Dispatcher) handleRevert(ctx context.Context, req *wire.Event) *wire.Event {
	reply := *req
	ok, err := d.mgr.RevertChunks(ctx, req.ContainerIDs, req.Chunks)
	if err != nil || !ok {
		if err != nil {
			glog.Errorf("worker: revert %d chunks: %v", req.NumChunks, err)
		}
		reply.Opcode = wire.RvtChunkRepFail
		return &reply
	}
	reply.Opcode = wire.RvtChunkRepSuccess
	return &reply
}

func (d *Dispatcher) handleRepair(ctx context.Context, req *wire.Event) *wire.Event {
	if d.repair == nil {
		glog.Errorf("worker: repair requested but no repair orchestrator is configured")
		return &wire.Event{ID: req.ID, Opcode: wire.RprChunkRepFail}
	}
	reply, err := d.repair.Repair(ctx, req)
	if err != nil {
		glog.Errorf("worker: repair %d chunks: %v", req.NumChunks, err)
		return &wire.Event{ID: req.ID, Opcode: wire.RprChunkRepFail}
	}
	return reply
}
