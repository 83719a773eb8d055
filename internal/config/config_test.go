package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "agent.json")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeTemp(t, `{
		"agent_port": 9000,
		"agent_cport": 9001,
		"containers": [{"id": 0, "type": "fs", "path": "/data/c0", "capacity": 1000}]
	}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumWorkers != 4 {
		t.Errorf("NumWorkers default = %d, want 4", cfg.NumWorkers)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
}

func TestLoadRejectsMissingPort(t *testing.T) {
	p := writeTemp(t, `{"agent_cport": 9001, "containers": [{"id": 0, "type": "fs", "path": "/x", "capacity": 1}]}`)
	if _, err := Load(p); err == nil {
		t.Errorf("Load: expected error for missing agent_port")
	}
}

func TestLoadRejectsDuplicateContainerID(t *testing.T) {
	p := writeTemp(t, `{
		"agent_port": 1, "agent_cport": 2,
		"containers": [
			{"id": 0, "type": "fs", "path": "/a", "capacity": 1},
			{"id": 0, "type": "fs", "path": "/b", "capacity": 1}
		]
	}`)
	if _, err := Load(p); err == nil {
		t.Errorf("Load: expected error for duplicate container id")
	}
}

func TestLoadRejectsUnrecognizedContainerType(t *testing.T) {
	p := writeTemp(t, `{
		"agent_port": 1, "agent_cport": 2,
		"containers": [{"id": 0, "type": "gcs", "bucket": "x", "capacity": 1}]
	}`)
	if _, err := Load(p); err == nil {
		t.Errorf("Load: expected error for unrecognized container type")
	}
}

func TestLoadEnvVarFallback(t *testing.T) {
	p := writeTemp(t, `{
		"agent_port": 9000, "agent_cport": 9001,
		"containers": [{"id": 0, "type": "fs", "path": "/data/c0", "capacity": 1}]
	}`)
	t.Setenv(EnvVar, p)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.AgentPort != 9000 {
		t.Errorf("AgentPort = %d, want 9000", cfg.AgentPort)
	}
}
