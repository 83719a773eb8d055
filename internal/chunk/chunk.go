// Package chunk defines the identity and wire-level attributes of a single
// erasure-coded chunk, the smallest unit of stored payload the agent moves
// between the proxy, its containers, and its peers.
package chunk

import (
	"crypto/md5" //nolint:gosec // MD5 is the wire-mandated integrity digest, not a security primitive
	"fmt"

	"github.com/google/uuid"
)

// ChunkVersionMaxLen bounds the opaque back-end version token carried on the
// wire (S3 VersionId, Azure snapshot timestamp, filesystem backup suffix).
const ChunkVersionMaxLen = 31

// InvalidChunkID marks a chunk whose identity has not been set.
const InvalidChunkID = -1

// Buffer is a chunk's payload, tagged with whether it owns the underlying
// array. A borrowed Buffer aliases another chunk's bytes (e.g. a repair
// sub-request forwarding a slice of the parent event) and must never be
// released by its holder.
type Buffer struct {
	Data  []byte
	Owned bool
}

// Release drops the reference. It is a no-op for borrowed buffers: only the
// owner frees the backing array, which under Go's GC simply means clearing
// the slice header so it is no longer retained.
func (b *Buffer) Release() {
	if b.Owned {
		b.Data = nil
	}
}

// Borrow returns an aliased, non-owning view over the same bytes. Used when
// the repair orchestrator forwards a sub-slice of a parent event's chunk to
// a peer request without transferring ownership.
func (b Buffer) Borrow() Buffer {
	return Buffer{Data: b.Data, Owned: false}
}

// ID is the total key identifying a chunk: (namespace, file uuid, file
// version, chunk id). Put on an existing ID is overwrite-with-backup.
type ID struct {
	NamespaceID  uint8
	FileUUID     uuid.UUID
	FileVersion  int32
	ChunkID      int32
}

// Name returns the canonical chunk name, the back-end object key:
// "{namespace_id}_{uuid}_{file_version}_{chunk_id}".
func (id ID) Name() string {
	return fmt.Sprintf("%d_%s_%d_%d", id.NamespaceID, id.FileUUID.String(), id.FileVersion, id.ChunkID)
}

// Chunk is the in-memory representation of a stored payload plus its
// identity and integrity metadata.
type Chunk struct {
	ID ID

	Buf Buffer // payload; Buf.Data may be nil for metadata-only requests

	// MD5 is the digest of Buf.Data, refreshed from the back-end's
	// authoritative response when one is available (S3 etag, Azure
	// content-md5, OSS etag base64); otherwise computed locally.
	MD5 [md5.Size]byte

	// ChunkVersion is the opaque back-end version token used by revert.
	// Meaningful only to the driver that minted it.
	ChunkVersion string
}

// Size reports the payload length currently held in memory. It is distinct
// from a wire-carried size because a Chunk used as a request descriptor
// (e.g. a get/delete/verify target) may have no payload yet.
func (c *Chunk) Size() int {
	return len(c.Buf.Data)
}

// Name is shorthand for c.ID.Name().
func (c *Chunk) Name() string {
	return c.ID.Name()
}

// ComputeMD5 (re)computes MD5 over the current payload.
func (c *Chunk) ComputeMD5() {
	c.MD5 = md5.Sum(c.Buf.Data) //nolint:gosec
}

// VerifyMD5 reports whether the current payload's MD5 matches c.MD5.
func (c *Chunk) VerifyMD5() bool {
	return md5.Sum(c.Buf.Data) == c.MD5 //nolint:gosec
}

// CopyMeta copies identity, version, and checksum from src, optionally the
// size as well (used when rewriting reply chunk tuples for copy/move
// replies, where the destination's identity is known but the payload size
// is learned after the operation completes).
func (c *Chunk) CopyMeta(src *Chunk, copySize bool) {
	c.ID = src.ID
	c.ChunkVersion = src.ChunkVersion
	c.MD5 = src.MD5
	if copySize && src.Buf.Data != nil {
		c.Buf.Data = make([]byte, len(src.Buf.Data))
	}
}

// TruncatedChunkVersion clamps v to the wire-mandated maximum length.
func TruncatedChunkVersion(v string) string {
	if len(v) > ChunkVersionMaxLen {
		return v[:ChunkVersionMaxLen]
	}
	return v
}
