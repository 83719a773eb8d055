// Package repair implements peer-assisted chunk reconstruction: fetching
// (or, under CAR, pre-aggregating) surviving chunks from peer agents,
// combining them locally via GF(256) arithmetic, and distributing the
// reconstructed outputs back to their home containers.
package repair

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nexoedge/agent/internal/chunk"
	"github.com/nexoedge/agent/internal/coding"
	"github.com/nexoedge/agent/internal/containermgr"
	"github.com/nexoedge/agent/internal/transport"
	"github.com/nexoedge/agent/internal/wire"
)

// numChunksPerNode is the number of output chunks each conventional-repair
// peer is responsible for storing; always 1.
const numChunksPerNode = 1

// peerClient is the subset of *transport.Client the orchestrator needs,
// factored out so tests can substitute a fake without opening real sockets.
type peerClient interface {
	Send(ctx context.Context, req *wire.Event) (*wire.Event, error)
	Close() error
}

// Orchestrator drives RPR_CHUNK_REQ. It satisfies internal/worker's
// Repairer interface.
type Orchestrator struct {
	mgr    *containermgr.Manager
	events *wire.EventCounter
	dial   func(ctx context.Context, addr string) (peerClient, error)
}

// NewOrchestrator constructs an Orchestrator that dials peers over the
// framed-TCP transport. If wrapConn is non-nil, it is applied to every
// peer connection before use — see internal/security for the Curve-key
// encrypted variant.
func NewOrchestrator(mgr *containermgr.Manager, events *wire.EventCounter, wrapConn func(net.Conn) net.Conn) *Orchestrator {
	return &Orchestrator{
		mgr:    mgr,
		events: events,
		dial: func(ctx context.Context, addr string) (peerClient, error) {
			return transport.Dial(ctx, addr, wrapConn)
		},
	}
}

// parseGroups splits a repair descriptor's chunk-group map into per-peer-
// request chunk-id groups. Under CAR, the map is NumChunkGroups repeated
// records, each [count, id_0, ..., id_count-1] — one record per peer that
// pre-combines its group before replying. Conventional repair's map carries
// no repetition: it is a single flat record, [num_req, id_0, ...,
// id_num_req-1], one surviving chunk id per peer, each fetched as its own
// single-chunk GET_CHUNK_REQ.
func parseGroups(groupMap []int32, isCAR bool) [][]int32 {
	if !isCAR {
		if len(groupMap) == 0 {
			return nil
		}
		n := int(groupMap[0])
		end := 1 + n
		if end > len(groupMap) {
			end = len(groupMap)
		}
		ids := groupMap[1:end]
		groups := make([][]int32, len(ids))
		for i, id := range ids {
			groups[i] = []int32{id}
		}
		return groups
	}

	var groups [][]int32
	for i := 0; i < len(groupMap); {
		n := int(groupMap[i])
		i++
		end := i + n
		if end > len(groupMap) {
			end = len(groupMap)
		}
		groups = append(groups, groupMap[i:end])
		i = end
	}
	return groups
}

// splitAgents parses the ';'-delimited, trailing-';' peer address list.
func splitAgents(agents string) []string {
	agents = strings.TrimSuffix(agents, ";")
	if agents == "" {
		return nil
	}
	return strings.Split(agents, ";")
}

type fetchResult struct {
	data []byte
	err  error
}

// Repair reconstructs the chunks named by req.Chunks, using req.Repair to
// learn where the surviving inputs live and how to combine them. It never
// returns an error: every outcome is represented as a reply opcode.
func (o *Orchestrator) Repair(ctx context.Context, req *wire.Event) (*wire.Event, error) {
	rd := req.Repair
	if rd == nil || len(req.Chunks) == 0 {
		return &wire.Event{ID: req.ID, Opcode: wire.RprChunkRepFail}, nil
	}

	isCAR := rd.RepairUsingCAR
	groups := parseGroups(rd.ChunkGroupMap, isCAR)
	numReq := len(groups)
	addrs := splitAgents(rd.Agents)
	if len(addrs) < numReq {
		glog.Errorf("repair: need %d peer addresses for input fetch, have %d", numReq, len(addrs))
		return &wire.Event{ID: req.ID, Opcode: wire.RprChunkRepFail}, nil
	}

	namespaceID := req.Chunks[0].ID.NamespaceID
	fileUUID := req.Chunks[0].ID.FileUUID
	fileVersion := req.Chunks[0].ID.FileVersion

	results := make([]fetchResult, numReq)
	var wg sync.WaitGroup
	cpos := 0
	for i, group := range groups {
		i, group := i, group
		containerIDs := sliceInt32(rd.ContainerGroupMap, cpos, len(group))
		coefSlice := sliceByte(req.CodingState, cpos, len(group))
		cpos += len(group)
		addr := addrs[i]

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.fetchInput(ctx, namespaceID, fileUUID, fileVersion, group, containerIDs, coefSlice, isCAR, addr)
		}()
	}
	wg.Wait() // every task runs to completion regardless of a sibling's failure

	input := make([][]byte, numReq)
	for i, r := range results {
		if r.err != nil {
			glog.Errorf("repair: input %d: %v", i, r.err)
			return &wire.Event{ID: req.ID, Opcode: wire.RprChunkRepFail}, nil
		}
		input[i] = r.data
	}

	outputs, err := o.combine(req, input, isCAR, namespaceID, fileUUID, fileVersion)
	if err != nil {
		glog.Errorf("repair: combine: %v", err)
		return &wire.Event{ID: req.ID, Opcode: wire.RprChunkRepFail}, nil
	}

	if err := o.store(ctx, req, outputs, isCAR, addrs[numReq:]); err != nil {
		glog.Errorf("repair: storing reconstructed chunks: %v", err)
		return &wire.Event{ID: req.ID, Opcode: wire.RprChunkRepFail}, nil
	}

	return &wire.Event{ID: req.ID, Opcode: wire.RprChunkRepSuccess}, nil
}

func sliceInt32(s []int32, start, n int) []int32 {
	if start >= len(s) {
		return nil
	}
	end := start + n
	if end > len(s) {
		end = len(s)
	}
	return s[start:end]
}

func sliceByte(s []byte, start, n int) []byte {
	if start >= len(s) {
		return nil
	}
	end := start + n
	if end > len(s) {
		end = len(s)
	}
	return s[start:end]
}

// fetchInput asks one peer for its contribution to the repair: under CAR,
// an ENC_CHUNK_REQ pre-combining the group locally at the peer; otherwise a
// plain GET_CHUNK_REQ for the single surviving chunk. The borrowed
// container-id and coding-state slices are detached from the sub-event
// before it goes out of scope, so nothing keeps an alias into the parent
// request's arrays alive past this call.
func (o *Orchestrator) fetchInput(ctx context.Context, namespaceID uint8, fileUUID uuid.UUID, fileVersion int32, chunkIDs []int32, containerIDs []int32, coef []byte, isCAR bool, addr string) fetchResult {
	chunks := make([]*chunk.Chunk, len(chunkIDs))
	for j, cid := range chunkIDs {
		chunks[j] = &chunk.Chunk{ID: chunk.ID{
			NamespaceID: namespaceID,
			FileUUID:    fileUUID,
			FileVersion: fileVersion,
			ChunkID:     cid,
		}}
	}

	sub := &wire.Event{
		ID:           o.events.Next(),
		NumChunks:    int32(len(chunks)),
		ContainerIDs: append([]int32(nil), containerIDs...),
		Chunks:       chunks,
	}
	wantOp := wire.GetChunkRepSuccess
	if isCAR {
		sub.Opcode = wire.EncChunkReq
		sub.CodingState = append([]byte(nil), coef...)
		wantOp = wire.EncChunkRepSuccess
	} else {
		sub.Opcode = wire.GetChunkReq
	}

	cli, err := o.dial(ctx, addr)
	if err != nil {
		return fetchResult{err: errors.Wrapf(err, "dialing peer %s", addr)}
	}
	defer cli.Close()

	reply, err := cli.Send(ctx, sub)
	sub.ContainerIDs = nil
	sub.CodingState = nil
	if err != nil {
		return fetchResult{err: errors.Wrapf(err, "sending request to %s", addr)}
	}
	if reply.Opcode != wantOp || len(reply.Chunks) == 0 {
		return fetchResult{err: errors.Errorf("peer %s returned opcode %s", addr, reply.Opcode)}
	}
	return fetchResult{data: reply.Chunks[0].Buf.Data}
}

// combine reconstructs the requested output chunks from the fetched/
// pre-aggregated inputs. CAR always reconstructs a single target chunk with
// an all-ones coefficient row over the num_req pre-combined group results;
// conventional repair treats the coding-state buffer as a numOutputs x
// numReq decode matrix, one row per output.
func (o *Orchestrator) combine(req *wire.Event, input [][]byte, isCAR bool, namespaceID uint8, fileUUID uuid.UUID, fileVersion int32) ([]*chunk.Chunk, error) {
	numReq := len(input)

	if isCAR {
		ones := make([]byte, numReq)
		for i := range ones {
			ones[i] = 1
		}
		out := &chunk.Chunk{
			ID: chunk.ID{NamespaceID: namespaceID, FileUUID: fileUUID, FileVersion: fileVersion, ChunkID: req.Chunks[0].ID.ChunkID},
			Buf: chunk.Buffer{Data: coding.CombineRow(input, ones), Owned: true},
		}
		out.ComputeMD5()
		return []*chunk.Chunk{out}, nil
	}

	numOutputs := int(req.NumChunks)
	if len(req.CodingState) < numOutputs*numReq {
		return nil, errors.Errorf("decode matrix too short: have %d bytes, need %d rows of %d", len(req.CodingState), numOutputs, numReq)
	}
	outputs := make([]*chunk.Chunk, numOutputs)
	for i := 0; i < numOutputs; i++ {
		row := req.CodingState[i*numReq : (i+1)*numReq]
		out := &chunk.Chunk{
			ID:  chunk.ID{NamespaceID: namespaceID, FileUUID: fileUUID, FileVersion: fileVersion, ChunkID: req.Chunks[i].ID.ChunkID},
			Buf: chunk.Buffer{Data: coding.CombineRow(input, row), Owned: true},
		}
		out.ComputeMD5()
		outputs[i] = out
	}
	return outputs, nil
}

// store places the first numChunksPerNode reconstructed chunks in the
// local container manager, and — for conventional repair only — dispatches
// the rest to peers as PUT_CHUNK_REQ. CAR repair, by construction,
// reconstructs exactly one chunk and stores it locally; nothing is sent
// out.
func (o *Orchestrator) store(ctx context.Context, req *wire.Event, outputs []*chunk.Chunk, isCAR bool, storeAddrs []string) error {
	if len(req.ContainerIDs) == 0 {
		return errors.New("no local container id for reconstructed output")
	}

	var local, remote []*chunk.Chunk
	var remoteContainerIDs []int32
	if isCAR {
		local = outputs
	} else {
		n := numChunksPerNode
		if n > len(outputs) {
			n = len(outputs)
		}
		local, remote = outputs[:n], outputs[n:]
		if len(req.ContainerIDs) > 1 {
			remoteContainerIDs = req.ContainerIDs[1:]
		}
	}

	localContainerIDs := make([]int32, len(local))
	for i := range localContainerIDs {
		localContainerIDs[i] = req.ContainerIDs[0]
	}
	if err := o.mgr.PutChunks(ctx, localContainerIDs, local); err != nil {
		return errors.Wrap(err, "storing local output")
	}

	if len(remote) == 0 {
		return nil
	}

	ok := make([]bool, len(remote))
	var wg sync.WaitGroup
	for i := range remote {
		if i >= len(storeAddrs) || i >= len(remoteContainerIDs) {
			break
		}
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok[i] = o.storeRemote(ctx, remoteContainerIDs[i], remote[i], storeAddrs[i])
		}()
	}
	wg.Wait()

	for i, success := range ok {
		if !success {
			return errors.Errorf("failed to store reconstructed chunk %d at %s", i, storeAddrs[i])
		}
	}
	return nil
}

func (o *Orchestrator) storeRemote(ctx context.Context, containerID int32, c *chunk.Chunk, addr string) bool {
	sub := &wire.Event{
		ID:           o.events.Next(),
		Opcode:       wire.PutChunkReq,
		NumChunks:    1,
		ContainerIDs: []int32{containerID},
		Chunks:       []*chunk.Chunk{c},
	}
	cli, err := o.dial(ctx, addr)
	if err != nil {
		glog.Errorf("repair: dialing peer %s to store output: %v", addr, err)
		return false
	}
	defer cli.Close()

	reply, err := cli.Send(ctx, sub)
	sub.ContainerIDs = nil
	if err != nil {
		glog.Errorf("repair: sending store request to %s: %v", addr, err)
		return false
	}
	return reply.Opcode == wire.PutChunkRepSuccess
}
