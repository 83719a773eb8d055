package coordinator

import (
	"bytes"
	"testing"

	"github.com/nexoedge/agent/internal/wire"
)

func TestEncodeDecodeRegisterRoundTrip(t *testing.T) {
	want := &Event{
		Opcode:    wire.RegAgentReq,
		AgentAddr: "10.0.0.5:9000",
		HostType:  1,
		CPort:     9001,
		Containers: []ContainerSummary{
			{ID: 0, Type: 0, Usage: 100, Capacity: 1000},
			{ID: 1, Type: 1, Usage: 200, Capacity: 2000},
		},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Opcode != want.Opcode || got.AgentAddr != want.AgentAddr || got.HostType != want.HostType || got.CPort != want.CPort {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if len(got.Containers) != len(want.Containers) {
		t.Fatalf("got %d containers, want %d", len(got.Containers), len(want.Containers))
	}
	for i := range want.Containers {
		if got.Containers[i] != want.Containers[i] {
			t.Errorf("container %d = %+v, want %+v", i, got.Containers[i], want.Containers[i])
		}
	}
}

func TestEncodeDecodeSysInfoRoundTrip(t *testing.T) {
	want := &Event{
		Opcode:  wire.GetSysinfoRep,
		SysInfo: &SysInfo{HostType: 2, NumCPU: 8, DiskReadBytes: 123, DiskWriteBytes: 456},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, want); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *got.SysInfo != *want.SysInfo {
		t.Errorf("got %+v, want %+v", got.SysInfo, want.SysInfo)
	}
}

func TestEncodeDecodePingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Event{Opcode: wire.SynPing}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Opcode != wire.SynPing {
		t.Errorf("opcode = %v, want SynPing", got.Opcode)
	}
}

func TestDecodeShortMessageIsErrShortMessage(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00}) // half an opcode
	_, err := Decode(buf)
	if err != ErrShortMessage {
		t.Errorf("err = %v, want ErrShortMessage", err)
	}
}
