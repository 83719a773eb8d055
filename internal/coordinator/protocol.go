// Package coordinator maintains the agent's control-plane relationship
// with its configured proxies: registration on startup, automatic
// re-registration on reconnect, and a small inbound listener answering
// proxy health/refresh/sysinfo queries.
//
// This is a distinct wire family from internal/wire's chunk-event codec —
// the control plane carries agent/container summaries and sysinfo samples,
// never chunk payloads — so it gets its own small binary framing here
// rather than overloading the chunk-event frame grammar.
package coordinator

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/nexoedge/agent/internal/wire"
)

// ContainerSummary is one container's identity and usage, as reported to a
// proxy on registration or refresh.
type ContainerSummary struct {
	ID       int32
	Type     uint8
	Usage    uint64
	Capacity uint64
}

// SysInfo is a single sampled snapshot of host resource usage.
type SysInfo struct {
	HostType       uint8
	NumCPU         int32
	DiskReadBytes  uint64
	DiskWriteBytes uint64
}

// Event is one coordinator control-plane message.
type Event struct {
	Opcode wire.Opcode

	AgentAddr  string
	HostType   uint8
	CPort      int32
	Containers []ContainerSummary

	SysInfo *SysInfo
}

func hasContainerSummary(op wire.Opcode) bool {
	switch op {
	case wire.RegAgentReq, wire.UpdAgentReq, wire.UpdAgentRep:
		return true
	default:
		return false
	}
}

func hasSysInfo(op wire.Opcode) bool {
	return op == wire.GetSysinfoRep
}

// Encode serializes e onto w.
func Encode(w io.Writer, e *Event) error {
	cw := &errWriter{w: w}

	writeU16(cw, uint16(e.Opcode))

	if hasContainerSummary(e.Opcode) {
		writeString(cw, e.AgentAddr)
		writeByte(cw, e.HostType)
		writeI32(cw, e.CPort)
		writeI32(cw, int32(len(e.Containers)))
		for _, c := range e.Containers {
			writeI32(cw, c.ID)
			writeByte(cw, c.Type)
			writeU64(cw, c.Usage)
			writeU64(cw, c.Capacity)
		}
	}

	if hasSysInfo(e.Opcode) {
		si := e.SysInfo
		if si == nil {
			si = &SysInfo{}
		}
		writeByte(cw, si.HostType)
		writeI32(cw, si.NumCPU)
		writeU64(cw, si.DiskReadBytes)
		writeU64(cw, si.DiskWriteBytes)
	}

	return cw.err
}

// Decode reads one Event from r.
func Decode(r io.Reader) (*Event, error) {
	br := bufio.NewReader(r)
	cr := &errReader{r: br}

	e := &Event{Opcode: wire.Opcode(readU16(cr))}
	if cr.err != nil {
		return nil, wrapShort(cr.err)
	}

	if hasContainerSummary(e.Opcode) {
		e.AgentAddr = readString(cr)
		e.HostType = readByte(cr)
		e.CPort = readI32(cr)
		n := int(readI32(cr))
		if cr.err == nil && n >= 0 {
			e.Containers = make([]ContainerSummary, n)
			for i := range e.Containers {
				e.Containers[i] = ContainerSummary{
					ID:       readI32(cr),
					Type:     readByte(cr),
					Usage:    readU64(cr),
					Capacity: readU64(cr),
				}
			}
		}
	}

	if hasSysInfo(e.Opcode) {
		e.SysInfo = &SysInfo{
			HostType:       readByte(cr),
			NumCPU:         readI32(cr),
			DiskReadBytes:  readU64(cr),
			DiskWriteBytes: readU64(cr),
		}
	}

	if cr.err != nil {
		return nil, wrapShort(cr.err)
	}
	return e, nil
}

// ErrShortMessage mirrors internal/wire's: a frame the opcode's predicates
// require is missing from the stream.
var ErrShortMessage = errors.New("coordinator: short or malformed control message")

func wrapShort(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrShortMessage
	}
	return errors.Wrap(err, "coordinator: decoding control message")
}

type errWriter struct {
	w   io.Writer
	err error
}

func (w *errWriter) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

type errReader struct {
	r   io.Reader
	err error
}

func (r *errReader) read(p []byte) {
	if r.err != nil {
		return
	}
	_, r.err = io.ReadFull(r.r, p)
}

func writeU16(w *errWriter, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.write(b[:])
}

func writeI32(w *errWriter, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.write(b[:])
}

func writeU64(w *errWriter, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.write(b[:])
}

func writeByte(w *errWriter, v uint8) { w.write([]byte{v}) }

func writeString(w *errWriter, s string) {
	writeI32(w, int32(len(s)))
	w.write([]byte(s))
}

func readU16(r *errReader) uint16 {
	var b [2]byte
	r.read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func readI32(r *errReader) int32 {
	var b [4]byte
	r.read(b[:])
	return int32(binary.BigEndian.Uint32(b[:]))
}

func readU64(r *errReader) uint64 {
	var b [8]byte
	r.read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func readByte(r *errReader) uint8 {
	var b [1]byte
	r.read(b[:])
	return b[0]
}

func readString(r *errReader) string {
	n := readI32(r)
	if r.err != nil || n < 0 {
		return ""
	}
	b := make([]byte, n)
	r.read(b)
	return string(b)
}
