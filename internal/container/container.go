// Package container defines the storage backend abstraction ("container
// driver") and its concrete filesystem/S3/Azure/OSS implementations.
package container

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nexoedge/agent/internal/chunk"
)

// Driver is the capability set every backend implements. Chunk in/out
// parameters follow the ownership convention of internal/chunk: a Chunk
// passed by pointer may have its Buf, MD5, and ChunkVersion fields filled in
// by the call; callers own the chunk's lifetime and release its Buffer.
type Driver interface {
	// Put stores or overwrites c. On success c.MD5 and c.ChunkVersion (the
	// token Revert uses to undo this write, if any) are updated.
	Put(ctx context.Context, c *chunk.Chunk) error

	// Get fills c.Buf from the backend. If skipVerification is false and
	// checksum verification is enabled, the payload is checked against
	// c.MD5 and a mismatch is reported as ErrIntegrity. The cloud drivers
	// then copy the backend's reported digest, when it has one, into c.MD5.
	Get(ctx context.Context, c *chunk.Chunk, skipVerification bool) error

	// Delete removes c. Deleting an absent chunk is not an error.
	Delete(ctx context.Context, c *chunk.Chunk) error

	// Copy duplicates src to dst. dst.Buf.Data's length is filled on
	// success; the filesystem driver also sets dst.MD5 from its read-back,
	// and the S3 driver from the copy's etag. Azure and OSS leave dst.MD5
	// as given.
	Copy(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error

	// Move relocates src to dst, same fill-in contract as Copy.
	Move(ctx context.Context, src *chunk.Chunk, dst *chunk.Chunk) error

	// Has reports whether a chunk with c's identity and size is present. If
	// checksum verification is enabled, this also validates the digest,
	// which on the filesystem driver requires reading the whole chunk back:
	// deliberate, since a local file has no cheap out-of-band digest the
	// way a cloud backend's HEAD response does.
	Has(ctx context.Context, c *chunk.Chunk) (bool, error)

	// Revert restores the backup named by c.ChunkVersion over the current
	// object.
	Revert(ctx context.Context, c *chunk.Chunk) error

	// Verify re-reads c and confirms its checksum, independent of the
	// verify_chunk_checksum setting.
	Verify(ctx context.Context, c *chunk.Chunk) (bool, error)

	// UpdateUsage refreshes the cached usage total returned by Usage.
	UpdateUsage(ctx context.Context) error

	ID() int32
	Usage() uint64
	Capacity() uint64
}

// Base holds the bookkeeping common to every driver: id, capacity, and the
// atomically-updated usage counter (the Go equivalent of the source's
// background usage-update thread plus its condition-variable-guarded
// fields).
type Base struct {
	id       int32
	capacity uint64
	usage    uint64

	UpdateMu sync.Mutex // serializes UpdateUsage scans; usage itself is atomic
}

// NewBase constructs the shared bookkeeping for a driver.
func NewBase(id int32, capacity uint64) Base {
	return Base{id: id, capacity: capacity}
}

func (b *Base) ID() int32        { return b.id }
func (b *Base) Capacity() uint64 { return b.capacity }
func (b *Base) Usage() uint64    { return atomic.LoadUint64(&b.usage) }
func (b *Base) SetUsage(v uint64) { atomic.StoreUint64(&b.usage, v) }
