// Package containermgr fans chunk operations out across the agent's
// configured containers, tracking per-chunk success so a partial batch
// failure can roll back exactly the chunks it actually wrote.
package containermgr

import (
	"context"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/OneOfOne/xxhash"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nexoedge/agent/internal/chunk"
	"github.com/nexoedge/agent/internal/coding"
	"github.com/nexoedge/agent/internal/container"
)

// presenceCacheSize bounds the cuckoo filter's backing table. The filter
// records every successfully put chunk; HasChunks does not consult it, so
// presence is always answered by the backend.
const presenceCacheSize = 1 << 20

// Manager owns the set of configured containers and dispatches chunk
// operations to them by container id.
type Manager struct {
	containers map[int32]container.Driver
	order      []int32 // insertion order, for ContainerIDs/Usage

	verifyChecksum bool
	presence       *cuckoo.Filter
}

// New constructs a manager over drivers, keyed by their own Driver.ID().
func New(drivers []container.Driver, verifyChecksum bool) (*Manager, error) {
	m := &Manager{
		containers:     make(map[int32]container.Driver, len(drivers)),
		order:          make([]int32, 0, len(drivers)),
		verifyChecksum: verifyChecksum,
		presence:       cuckoo.NewFilter(presenceCacheSize),
	}
	for _, d := range drivers {
		id := d.ID()
		if _, exists := m.containers[id]; exists {
			return nil, errors.Errorf("containermgr: duplicate container id %d", id)
		}
		m.containers[id] = d
		m.order = append(m.order, id)
	}
	return m, nil
}

func (m *Manager) driver(id int32) (container.Driver, error) {
	d, ok := m.containers[id]
	if !ok {
		return nil, errors.Errorf("containermgr: unknown container id %d", id)
	}
	return d, nil
}

// presenceSeed is an arbitrary fixed seed for the keyed hash; any fixed
// value works since the filter only needs to be self-consistent, not
// cross-process stable.
const presenceSeed = 0x2f6e1f93

func presenceKey(c *chunk.Chunk) []byte {
	sum := xxhash.ChecksumString64S(c.Name(), presenceSeed)
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[i] = byte(sum >> (8 * i))
	}
	return key
}

// PutChunks stores each chunks[i] in container containerIDs[i]. On the
// first failure, every chunk that *was actually written* (not the one that
// failed) is rolled back, derived directly from per-slot success rather
// than a loop-exit index.
func (m *Manager) PutChunks(ctx context.Context, containerIDs []int32, chunks []*chunk.Chunk) error {
	n := len(chunks)
	written := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if m.verifyChecksum && !chunks[i].VerifyMD5() {
				return errors.Errorf("containermgr: chunk %s failed pre-write checksum verification", chunks[i].Name())
			}
			d, err := m.driver(containerIDs[i])
			if err != nil {
				return err
			}
			if err := d.Put(gctx, chunks[i]); err != nil {
				return errors.Wrapf(err, "containermgr: putting chunk %s", chunks[i].Name())
			}
			written[i] = true
			m.presence.InsertUnique(presenceKey(chunks[i]))
			go d.UpdateUsage(context.Background())
			return nil
		})
	}
	putErr := g.Wait()
	if putErr == nil {
		return nil
	}

	var rg errgroup.Group
	for i := 0; i < n; i++ {
		if !written[i] {
			continue
		}
		i := i
		rg.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				return nil
			}
			if err := d.Delete(context.Background(), chunks[i]); err != nil {
				glog.Errorf("containermgr: rollback delete of chunk %s failed: %v", chunks[i].Name(), err)
			}
			return nil
		})
	}
	rg.Wait()

	return putErr
}

// GetChunks fills each chunks[i] from container containerIDs[i].
func (m *Manager) GetChunks(ctx context.Context, containerIDs []int32, chunks []*chunk.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		i := i
		g.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				return err
			}
			if err := d.Get(gctx, chunks[i], false); err != nil {
				return errors.Wrapf(err, "containermgr: getting chunk %s", chunks[i].Name())
			}
			return nil
		})
	}
	return g.Wait()
}

// DeleteChunks removes each chunks[i] from container containerIDs[i],
// best-effort: a failure to find or delete one chunk is logged, not fatal
// (deleting an already-absent chunk is never an error).
func (m *Manager) DeleteChunks(ctx context.Context, containerIDs []int32, chunks []*chunk.Chunk) error {
	var g errgroup.Group
	for i := range chunks {
		i := i
		g.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				glog.Errorf("containermgr: cannot find container %d to delete chunk %s", containerIDs[i], chunks[i].Name())
				return nil
			}
			if err := d.Delete(ctx, chunks[i]); err != nil {
				glog.Errorf("containermgr: deleting chunk %s: %v", chunks[i].Name(), err)
			} else {
				go d.UpdateUsage(context.Background())
			}
			return nil
		})
	}
	g.Wait()
	return nil
}

// CopyChunks copies srcChunks[i] to dstChunks[i] within container
// containerIDs[i]. On first failure, already-copied destinations are
// deleted.
func (m *Manager) CopyChunks(ctx context.Context, containerIDs []int32, srcChunks, dstChunks []*chunk.Chunk) error {
	n := len(srcChunks)
	copied := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				return err
			}
			if err := d.Copy(gctx, srcChunks[i], dstChunks[i]); err != nil {
				return errors.Wrapf(err, "containermgr: copying chunk %s to %s", srcChunks[i].Name(), dstChunks[i].Name())
			}
			copied[i] = true
			go d.UpdateUsage(context.Background())
			return nil
		})
	}
	copyErr := g.Wait()
	if copyErr == nil {
		return nil
	}

	var rg errgroup.Group
	for i := 0; i < n; i++ {
		if !copied[i] {
			continue
		}
		i := i
		rg.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				return nil
			}
			if err := d.Delete(context.Background(), dstChunks[i]); err != nil {
				glog.Errorf("containermgr: rollback delete of copied chunk %s failed: %v", dstChunks[i].Name(), err)
			}
			return nil
		})
	}
	rg.Wait()
	return copyErr
}

// MoveChunks moves srcChunks[i] to dstChunks[i] within container
// containerIDs[i]. On first failure, already-moved chunks are moved back.
func (m *Manager) MoveChunks(ctx context.Context, containerIDs []int32, srcChunks, dstChunks []*chunk.Chunk) error {
	n := len(srcChunks)
	moved := make([]bool, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				return err
			}
			if err := d.Move(gctx, srcChunks[i], dstChunks[i]); err != nil {
				return errors.Wrapf(err, "containermgr: moving chunk %s to %s", srcChunks[i].Name(), dstChunks[i].Name())
			}
			moved[i] = true
			return nil
		})
	}
	moveErr := g.Wait()
	if moveErr == nil {
		return nil
	}

	var rg errgroup.Group
	for i := 0; i < n; i++ {
		if !moved[i] {
			continue
		}
		i := i
		rg.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				return nil
			}
			if err := d.Move(context.Background(), dstChunks[i], srcChunks[i]); err != nil {
				glog.Errorf("containermgr: reversing move of chunk %s failed: %v", dstChunks[i].Name(), err)
			}
			return nil
		})
	}
	rg.Wait()
	return moveErr
}

// HasChunks reports whether every chunks[i] is present (with matching
// size, and checksum when verification is enabled) in container
// containerIDs[i], as each container's backend reports it.
func (m *Manager) HasChunks(ctx context.Context, containerIDs []int32, chunks []*chunk.Chunk) (bool, error) {
	results := make([]bool, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		i := i
		g.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				glog.Errorf("containermgr: cannot find container %d to check chunk %s", containerIDs[i], chunks[i].Name())
				return nil
			}
			ok, err := d.Has(gctx, chunks[i])
			if err != nil {
				return errors.Wrapf(err, "containermgr: checking chunk %s", chunks[i].Name())
			}
			results[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, ok := range results {
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// VerifyChunks checks each chunks[i]'s checksum and compacts the corrupted
// ones to the front of the slice in place, mirroring the source's reused-
// array convention. It returns the number of corrupted chunks, or -1 if a
// container lookup failed.
func (m *Manager) VerifyChunks(ctx context.Context, containerIDs []int32, chunks []*chunk.Chunk) (int, error) {
	n := len(chunks)
	ok := make([]bool, n)
	lookupErr := make([]bool, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				lookupErr[i] = true
				return nil
			}
			good, err := d.Verify(ctx, chunks[i])
			if err != nil {
				return err
			}
			ok[i] = good
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return -1, err
	}
	for i := 0; i < n; i++ {
		if lookupErr[i] {
			glog.Errorf("containermgr: cannot find container %d to verify chunk %s", containerIDs[i], chunks[i].Name())
			return -1, nil
		}
	}

	corrupted := 0
	for i := 0; i < n; i++ {
		if ok[i] {
			continue
		}
		if i != corrupted {
			chunks[corrupted] = chunks[i]
		}
		corrupted++
	}
	return corrupted, nil
}

// RevertChunks restores each chunks[i] in container containerIDs[i] from
// its recorded backup version.
func (m *Manager) RevertChunks(ctx context.Context, containerIDs []int32, chunks []*chunk.Chunk) (bool, error) {
	results := make([]bool, len(chunks))
	var g errgroup.Group
	for i := range chunks {
		i := i
		g.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				glog.Errorf("containermgr: cannot find container %d to revert chunk %s", containerIDs[i], chunks[i].Name())
				return nil
			}
			if err := d.Revert(ctx, chunks[i]); err != nil {
				glog.Errorf("containermgr: reverting chunk %s: %v", chunks[i].Name(), err)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	g.Wait()
	for _, ok := range results {
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// GetEncodedChunks fetches chunks[i] (skipping verification) from
// containerIDs[i], then combines them via matrix into a single output
// chunk — the one-output-row special case of a full erasure encode.
func (m *Manager) GetEncodedChunks(ctx context.Context, containerIDs []int32, chunks []*chunk.Chunk, matrix []byte) (*chunk.Chunk, error) {
	n := len(chunks)
	raw := make([][]byte, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			d, err := m.driver(containerIDs[i])
			if err != nil {
				return err
			}
			tmp := &chunk.Chunk{ID: chunks[i].ID}
			if err := d.Get(gctx, tmp, true); err != nil {
				return errors.Wrapf(err, "containermgr: getting chunk %s for encode", chunks[i].Name())
			}
			raw[i] = tmp.Buf.Data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	combined := coding.CombineRow(raw, matrix)
	return &chunk.Chunk{Buf: chunk.Buffer{Data: combined, Owned: true}}, nil
}

// ContainerIDs returns the ids of all managed containers, in construction
// order.
func (m *Manager) ContainerIDs() []int32 {
	out := make([]int32, len(m.order))
	copy(out, m.order)
	return out
}

// Usage reports usage and capacity for every managed container, triggering
// a background usage refresh for each (the Go equivalent of the source's
// bgUpdateUsage call on every status query).
func (m *Manager) Usage(ctx context.Context) (usage, capacity map[int32]uint64) {
	usage = make(map[int32]uint64, len(m.order))
	capacity = make(map[int32]uint64, len(m.order))
	for _, id := range m.order {
		d := m.containers[id]
		usage[id] = d.Usage()
		capacity[id] = d.Capacity()
		go d.UpdateUsage(context.Background())
	}
	return usage, capacity
}
