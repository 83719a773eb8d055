package wire

import (
	"bufio"
	"crypto/md5" //nolint:gosec // wire-mandated digest width, not a security primitive
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nexoedge/agent/internal/chunk"
)

// ErrShortMessage is returned whenever a frame an opcode's predicates
// require is missing from the stream. This is always a hard error: no
// partial action is taken and the connection is abandoned (there is no
// discrete "rest of message" to drain once framing is implicit, so the
// caller must close and let the peer retry).
var ErrShortMessage = errors.New("wire: short or malformed chunk event message")

// TimePair is a (sec, nsec) timestamp pair, matching the wire's raw
// struct-timespec encoding.
type TimePair struct {
	Sec  int64
	Nsec int64
}

// Timestamps carries the three telemetry tag-points: p2a (proxy-to-agent),
// agent_process, and a2p (agent-to-proxy). They are informational only
// and never affect correctness.
type Timestamps struct {
	P2AStart, P2AEnd                 TimePair
	AgentProcessStart, AgentProcessEnd TimePair
	A2PStart, A2PEnd                 TimePair
}

// RepairDescriptor is the wire repair descriptor carried on a repair
// request.
type RepairDescriptor struct {
	CodingScheme      uint8
	NumChunkGroups    int32
	NumInputChunks    int32
	ChunkGroupMap     []int32 // flattened [count, cid_0, cid_1, ...] records
	ContainerGroupMap []int32 // input chunk -> container index
	Agents            string  // ';'-delimited peer addresses, trailing ';'
	RepairUsingCAR    bool
}

// Event is a single chunk-event request/reply unit.
type Event struct {
	ID     uint32
	Opcode Opcode

	Timestamps Timestamps

	NumChunks    int32
	ContainerIDs []int32
	Chunks       []*chunk.Chunk

	CodingState []byte // opaque coefficient/decode-matrix buffer

	Repair *RepairDescriptor
}

// Encode serializes event onto w following the chunk-event frame grammar,
// and returns the number of bytes written.
func Encode(w io.Writer, e *Event) (int64, error) {
	cw := &countingWriter{w: w}

	writeU32(cw, e.ID)
	writeU16(cw, uint16(e.Opcode))

	if FromProxy(e.Opcode) {
		writeTimePair(cw, e.Timestamps.P2AStart)
	} else if FromAgent(e.Opcode) {
		writeTimePair(cw, e.Timestamps.P2AEnd)
		writeTimePair(cw, e.Timestamps.AgentProcessStart)
		writeTimePair(cw, e.Timestamps.AgentProcessEnd)
		writeTimePair(cw, e.Timestamps.A2PStart)
	}

	if !HasData(e.Opcode) {
		return cw.n, cw.err
	}

	writeI32(cw, e.NumChunks)

	if HasContainerIDs(e.Opcode) {
		for _, id := range e.ContainerIDs {
			writeI32(cw, id)
		}
	}

	factor := ChunkFactor(e.Opcode)
	actual := int(e.NumChunks) * factor
	for i := 0; i < actual && i < len(e.Chunks); i++ {
		c := e.Chunks[i]
		writeByte(cw, c.ID.NamespaceID)
		writeBytes(cw, c.ID.FileUUID[:])
		writeI32(cw, c.ID.ChunkID)
		writeI32(cw, c.ID.FileVersion)

		v := chunk.TruncatedChunkVersion(c.ChunkVersion)
		writeByte(cw, uint8(len(v)))
		if len(v) > 0 {
			writeBytes(cw, []byte(v))
		}

		writeBytes(cw, c.MD5[:])
		writeI32(cw, int32(c.Size()))

		if HasChunkData(e.Opcode) {
			writeBytes(cw, c.Buf.Data)
		}
	}

	if NeedsCoding(e.Opcode) {
		writeI32(cw, int32(len(e.CodingState)))
		if len(e.CodingState) > 0 {
			writeBytes(cw, e.CodingState)
		}
	}

	if HasRepairInfo(e.Opcode) {
		r := e.Repair
		if r == nil {
			r = &RepairDescriptor{}
		}
		writeByte(cw, r.CodingScheme)
		writeI32(cw, r.NumChunkGroups)
		writeI32(cw, r.NumInputChunks)
		for _, v := range r.ChunkGroupMap {
			writeI32(cw, v)
		}
		for _, v := range r.ContainerGroupMap {
			writeI32(cw, v)
		}
		writeU32(cw, uint32(len(r.Agents)))
		writeBytes(cw, []byte(r.Agents))
		writeBool(cw, r.RepairUsingCAR)
	}

	return cw.n, cw.err
}

// Decode parses a chunk event from r following the same frame grammar,
// returning the number of bytes read. A missing expected frame yields
// ErrShortMessage.
func Decode(r io.Reader) (*Event, int64, error) {
	br := bufio.NewReader(r)
	cr := &countingReader{r: br}

	e := &Event{}
	e.ID = readU32(cr)
	e.Opcode = Opcode(readU16(cr))
	if cr.err != nil {
		return nil, cr.n, wrapShort(cr.err)
	}

	if FromProxy(e.Opcode) {
		e.Timestamps.P2AStart = readTimePair(cr)
	} else if FromAgent(e.Opcode) {
		e.Timestamps.P2AEnd = readTimePair(cr)
		e.Timestamps.AgentProcessStart = readTimePair(cr)
		e.Timestamps.AgentProcessEnd = readTimePair(cr)
		e.Timestamps.A2PStart = readTimePair(cr)
	}
	if cr.err != nil {
		return nil, cr.n, wrapShort(cr.err)
	}

	if !HasData(e.Opcode) {
		return e, cr.n, nil
	}

	e.NumChunks = readI32(cr)
	if cr.err != nil {
		return nil, cr.n, wrapShort(cr.err)
	}
	if e.NumChunks < 0 {
		return nil, cr.n, ErrShortMessage
	}

	if HasContainerIDs(e.Opcode) {
		e.ContainerIDs = make([]int32, e.NumChunks)
		for i := range e.ContainerIDs {
			e.ContainerIDs[i] = readI32(cr)
		}
	}

	factor := ChunkFactor(e.Opcode)
	actual := int(e.NumChunks) * factor
	e.Chunks = make([]*chunk.Chunk, actual)
	for i := 0; i < actual; i++ {
		c := &chunk.Chunk{}
		c.ID.NamespaceID = readByte(cr)
		var rawUUID [16]byte
		readInto(cr, rawUUID[:])
		c.ID.FileUUID = uuid.UUID(rawUUID)
		c.ID.ChunkID = readI32(cr)
		c.ID.FileVersion = readI32(cr)

		vlen := readByte(cr)
		if vlen > chunk.ChunkVersionMaxLen {
			vlen = chunk.ChunkVersionMaxLen
		}
		if vlen > 0 {
			vb := make([]byte, vlen)
			readInto(cr, vb)
			c.ChunkVersion = string(vb)
		}

		var digest [md5.Size]byte
		readInto(cr, digest[:])
		c.MD5 = digest

		size := readI32(cr)
		if cr.err != nil {
			return nil, cr.n, wrapShort(cr.err)
		}
		if size < 0 {
			return nil, cr.n, ErrShortMessage
		}

		if HasChunkData(e.Opcode) {
			data := make([]byte, size)
			readInto(cr, data)
			c.Buf = chunk.Buffer{Data: data, Owned: true}
		}
		e.Chunks[i] = c
	}
	if cr.err != nil {
		return nil, cr.n, wrapShort(cr.err)
	}

	if NeedsCoding(e.Opcode) {
		sz := readI32(cr)
		if cr.err != nil {
			return nil, cr.n, wrapShort(cr.err)
		}
		if sz < 0 {
			return nil, cr.n, ErrShortMessage
		}
		if sz > 0 {
			e.CodingState = make([]byte, sz)
			readInto(cr, e.CodingState)
		}
	}

	if HasRepairInfo(e.Opcode) {
		r := &RepairDescriptor{}
		r.CodingScheme = readByte(cr)
		r.NumChunkGroups = readI32(cr)
		r.NumInputChunks = readI32(cr)
		if cr.err != nil {
			return nil, cr.n, wrapShort(cr.err)
		}
		if r.NumChunkGroups < 0 || r.NumInputChunks < 0 {
			return nil, cr.n, ErrShortMessage
		}
		r.ChunkGroupMap = make([]int32, r.NumChunkGroups+r.NumInputChunks)
		for i := range r.ChunkGroupMap {
			r.ChunkGroupMap[i] = readI32(cr)
		}
		r.ContainerGroupMap = make([]int32, r.NumInputChunks)
		for i := range r.ContainerGroupMap {
			r.ContainerGroupMap[i] = readI32(cr)
		}
		alen := readU32(cr)
		if cr.err != nil {
			return nil, cr.n, wrapShort(cr.err)
		}
		agents := make([]byte, alen)
		readInto(cr, agents)
		r.Agents = string(agents)
		r.RepairUsingCAR = readBool(cr)
		if cr.err != nil {
			return nil, cr.n, wrapShort(cr.err)
		}
		e.Repair = r
	}

	if cr.err != nil {
		return nil, cr.n, wrapShort(cr.err)
	}
	return e, cr.n, nil
}

func wrapShort(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrShortMessage
	}
	return errors.Wrap(err, "wire: decode")
}

// --- small counting/raw helpers (no discrete zmq frames: the grammar's
// frame boundaries are all self-describing length prefixes, so a plain
// byte stream preserves the same information without needing an actual
// multi-part message transport) ---

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) write(p []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
}

type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) read(p []byte) {
	if c.err != nil {
		return
	}
	n, err := io.ReadFull(c.r, p)
	c.n += int64(n)
	c.err = err
}

func writeU32(w *countingWriter, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.write(b[:])
}

func writeU16(w *countingWriter, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.write(b[:])
}

func writeI32(w *countingWriter, v int32) { writeU32(w, uint32(v)) }

func writeByte(w *countingWriter, v uint8) { w.write([]byte{v}) }

func writeBool(w *countingWriter, v bool) {
	if v {
		writeByte(w, 1)
	} else {
		writeByte(w, 0)
	}
}

func writeBytes(w *countingWriter, p []byte) { w.write(p) }

func writeTimePair(w *countingWriter, t TimePair) {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(t.Sec))
	binary.BigEndian.PutUint64(b[8:16], uint64(t.Nsec))
	w.write(b[:])
}

func readU32(r *countingReader) uint32 {
	var b [4]byte
	r.read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func readU16(r *countingReader) uint16 {
	var b [2]byte
	r.read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func readI32(r *countingReader) int32 { return int32(readU32(r)) }

func readByte(r *countingReader) uint8 {
	var b [1]byte
	r.read(b[:])
	return b[0]
}

func readBool(r *countingReader) bool { return readByte(r) != 0 }

func readInto(r *countingReader, p []byte) { r.read(p) }

func readTimePair(r *countingReader) TimePair {
	var b [16]byte
	r.read(b[:])
	return TimePair{
		Sec:  int64(binary.BigEndian.Uint64(b[0:8])),
		Nsec: int64(binary.BigEndian.Uint64(b[8:16])),
	}
}
