// Package config loads and validates the agent's JSON configuration file.
package config

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// EnvVar is the environment variable fallback for the config path, used
// when neither -config nor a positional argument is given on the command
// line.
const EnvVar = "NEXOEDGE_AGENT_CONFIG"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ContainerType identifies a container backend.
type ContainerType string

const (
	ContainerFS    ContainerType = "fs"
	ContainerS3    ContainerType = "aws_s3"
	ContainerAzure ContainerType = "azure"
	ContainerOSS   ContainerType = "ali_oss"
)

// Container is one configured storage container.
type Container struct {
	ID       int32         `json:"id"`
	Type     ContainerType `json:"type"`
	Path     string        `json:"path,omitempty"`   // fs
	Bucket   string        `json:"bucket,omitempty"` // s3/azure/oss
	Capacity int64         `json:"capacity"`

	Key       string `json:"key,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`

	HTTPProxyIP   string `json:"http_proxy_ip,omitempty"`
	HTTPProxyPort int    `json:"http_proxy_port,omitempty"`
}

// Proxy is one configured upstream proxy the coordinator registers with.
type Proxy struct {
	IP    string `json:"ip"`
	CPort int    `json:"cport"`
}

// CurveKeys holds the optional Curve25519 keypair for channel encryption
// (see internal/security); absent means the data plane runs unencrypted.
type CurveKeys struct {
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Config is the agent's full, validated runtime configuration.
type Config struct {
	NumWorkers int    `json:"num_workers"`
	ListenAll  bool   `json:"listen_all"`
	AgentIP    string `json:"agent_ip"`
	AgentPort  int    `json:"agent_port"`
	AgentCPort int    `json:"agent_cport"`

	Containers []Container `json:"containers"`

	VerifyChunkChecksum bool  `json:"verify_chunk_checksum"`
	AgentFlushOnClose   bool  `json:"agent_flush_on_close"`
	CopyBlockSize       int64 `json:"copy_block_size"`

	Proxies []Proxy `json:"proxies"`

	EventProbeTimeoutMs int `json:"event_probe_timeout_ms"`
	FailureTimeoutMs    int `json:"failure_timeout_ms"`
	TCPBufferSize       int `json:"tcp_buffer_size"`

	Curve *CurveKeys `json:"curve,omitempty"`

	LogSink  string `json:"log_sink"`
	LogLevel string `json:"log_level"`
}

// applyDefaults fills in fallback values for fields an operator commonly
// omits.
func (c *Config) applyDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.CopyBlockSize <= 0 {
		c.CopyBlockSize = 4 << 20
	}
	if c.EventProbeTimeoutMs <= 0 {
		c.EventProbeTimeoutMs = 3000
	}
	if c.FailureTimeoutMs <= 0 {
		c.FailureTimeoutMs = 10000
	}
	if c.TCPBufferSize <= 0 {
		c.TCPBufferSize = 1 << 20
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the recognized-option constraints. It does not reach
// into the backend (no network/filesystem calls); that is each driver's
// job at construction time.
func (c *Config) Validate() error {
	if c.AgentPort <= 0 {
		return errors.New("config: agent_port must be set")
	}
	if c.AgentCPort <= 0 {
		return errors.New("config: agent_cport must be set")
	}
	if len(c.Containers) == 0 {
		return errors.New("config: at least one container must be configured")
	}
	seen := make(map[int32]bool, len(c.Containers))
	for i := range c.Containers {
		ct := &c.Containers[i]
		if seen[ct.ID] {
			return errors.Errorf("config: duplicate container id %d", ct.ID)
		}
		seen[ct.ID] = true
		switch ct.Type {
		case ContainerFS:
			if ct.Path == "" {
				return errors.Errorf("config: container %d: fs requires path", ct.ID)
			}
		case ContainerS3, ContainerAzure, ContainerOSS:
			if ct.Bucket == "" {
				return errors.Errorf("config: container %d: %s requires bucket", ct.ID, ct.Type)
			}
		default:
			return errors.Errorf("config: container %d: unrecognized type %q", ct.ID, ct.Type)
		}
	}
	return nil
}

// Load reads and validates the config at path. If path is empty, it falls
// back to EnvVar.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return nil, errors.New("config: no path given and " + EnvVar + " is unset")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
