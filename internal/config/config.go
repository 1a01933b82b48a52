// Package config loads the shared edgelens configuration. One YAML file
// describes the whole deployment; each binary reads the sections it needs.
// String values may reference environment variables as ${VAR}, and a small
// set of EDGELENS_* variables override their file counterparts.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/services"
)

// DefaultPath is where the binaries look for a config file when -config
// is not given. A missing file at the default path is not an error.
const DefaultPath = "edgelens.yml"

// Restart policies for the supervised gateway child.
const (
	RestartManual  = "manual"
	RestartOnCrash = "on-crash"
)

// Config is the root configuration shared by every edgelens binary.
type Config struct {
	LogDir  string `yaml:"log_dir"`
	DataDir string `yaml:"data_dir"`

	Edge          Edge       `yaml:"edge"`
	Streams       []Stream   `yaml:"streams"`
	ReservedPorts []int      `yaml:"reserved_ports"`
	Capture       Capture    `yaml:"capture"`
	Infer         Infer      `yaml:"infer"`
	Gateway       Gateway    `yaml:"gateway"`
	Agent         Agent      `yaml:"agent"`
	Supervisor    Supervisor `yaml:"supervisor"`
}

// Edge locates the edge node and its agent.
type Edge struct {
	Host       string `yaml:"host"`
	AgentPort  int    `yaml:"agent_port"`
	AgentToken string `yaml:"agent_token"`
	LogDir     string `yaml:"log_dir"` // logs dir on the edge node, for remote tail
}

// AgentURL returns the base HTTP URL of the edge agent.
func (e Edge) AgentURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.AgentPort)
}

// Stream names one upstream MJPEG feed served by an edge worker.
type Stream struct {
	Name string              `yaml:"name"`
	Port int                 `yaml:"port"`
	Kind edgelens.StreamKind `yaml:"kind"`
}

// URL returns the stream endpoint on the given host.
func (s Stream) URL(host string) string {
	return fmt.Sprintf("http://%s:%d/", host, s.Port)
}

// Capture configures the raw capture worker.
type Capture struct {
	Listen string `yaml:"listen"`
	Device string `yaml:"device"`
}

// Infer configures the inference worker.
type Infer struct {
	Listen        string `yaml:"listen"`
	CommandListen string `yaml:"command_listen"`
	Device        string `yaml:"device"`
	Prompt        string `yaml:"prompt"`
	Kafka         Kafka  `yaml:"kafka"`
}

// Kafka configures the detection event publisher. Publishing is disabled
// when no brokers are listed.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether detection events should be published.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

// Gateway configures the browser-facing relay.
type Gateway struct {
	Listen        string   `yaml:"listen"`
	DialTimeout   Duration `yaml:"dial_timeout"`
	RetryInterval Duration `yaml:"retry_interval"`

	// InferCommandURL is where POST /prompt is proxied to. Derived from
	// edge.host and the inference command port when empty.
	InferCommandURL string `yaml:"infer_command_url"`
}

// Agent configures the edge agent daemon.
type Agent struct {
	Listen   string             `yaml:"listen"`
	Token    string             `yaml:"token"`
	Services []services.Service `yaml:"services"`
}

// Supervisor configures the gateway-side supervision loop.
type Supervisor struct {
	GatewayCommand   []string `yaml:"gateway_command"`
	GracePeriod      Duration `yaml:"grace_period"`
	ProbeInterval    Duration `yaml:"probe_interval"`
	ProbeTimeout     Duration `yaml:"probe_timeout"`
	PollInterval     Duration `yaml:"poll_interval"`
	StartupGrace     Duration `yaml:"startup_grace"`
	Restart          string   `yaml:"restart"`      // manual | on-crash
	MaxRestarts      int      `yaml:"max_restarts"` // 0 = unlimited
	AdminListen      string   `yaml:"admin_listen"`
	AutoStartWorkers bool     `yaml:"auto_start_workers"`
}

// Default returns the built-in configuration: a single-machine demo layout
// with a synthetic camera and no Kafka brokers.
func Default() *Config {
	return &Config{
		LogDir:  "logs",
		DataDir: "data",
		Edge: Edge{
			Host:      "127.0.0.1",
			AgentPort: 9010,
			LogDir:    "logs",
		},
		Streams: []Stream{
			{Name: "annotated", Port: 9000, Kind: edgelens.StreamAnnotated},
			{Name: "raw", Port: 9001, Kind: edgelens.StreamRaw},
		},
		ReservedPorts: []int{9002},
		Capture: Capture{
			Listen: ":9001",
			Device: "synthetic:?fps=15",
		},
		Infer: Infer{
			Listen:        ":9000",
			CommandListen: ":9003",
			Device:        "mjpeg://127.0.0.1:9001",
			Kafka: Kafka{
				Topic: "edgelens.detections",
			},
		},
		Gateway: Gateway{
			Listen:        ":7860",
			DialTimeout:   Duration(5 * time.Second),
			RetryInterval: Duration(5 * time.Second),
		},
		Agent: Agent{
			Listen: ":9010",
		},
		Supervisor: Supervisor{
			GatewayCommand: []string{"edgelens-gateway"},
			GracePeriod:    Duration(5 * time.Second),
			ProbeInterval:  Duration(5 * time.Second),
			ProbeTimeout:   Duration(2 * time.Second),
			PollInterval:   Duration(5 * time.Second),
			StartupGrace:   Duration(10 * time.Second),
			Restart:        RestartManual,
			AdminListen:    "127.0.0.1:7861",
		},
	}
}

// Load reads the YAML file at path over the defaults, expands ${VAR}
// references, applies EDGELENS_* overrides and validates the result. An
// empty path loads defaults and overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load with the binaries' path convention: a missing file at
// the default path falls back to built-ins, a missing file anywhere else
// is an error.
func LoadFile(path string) (*Config, error) {
	if path == DefaultPath {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	return Load(path)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the value of VAR, or the empty string
// when VAR is unset.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// applyEnv applies EDGELENS_* environment overrides on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("EDGELENS_EDGE_HOST"); v != "" {
		c.Edge.Host = v
	}
	if v := os.Getenv("EDGELENS_AGENT_TOKEN"); v != "" {
		c.Edge.AgentToken = v
		c.Agent.Token = v
	}
	if v := os.Getenv("EDGELENS_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("EDGELENS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("EDGELENS_GATEWAY_LISTEN"); v != "" {
		c.Gateway.Listen = v
	}
	if v := os.Getenv("EDGELENS_AGENT_LISTEN"); v != "" {
		c.Agent.Listen = v
	}
	if v := os.Getenv("EDGELENS_ADMIN_LISTEN"); v != "" {
		c.Supervisor.AdminListen = v
	}
}

// normalize fills values derivable from other sections.
func (c *Config) normalize() {
	if c.Agent.Token == "" {
		c.Agent.Token = c.Edge.AgentToken
	}
	if c.Edge.AgentToken == "" {
		c.Edge.AgentToken = c.Agent.Token
	}
	if c.Gateway.InferCommandURL == "" {
		c.Gateway.InferCommandURL = fmt.Sprintf("http://%s:9003", c.Edge.Host)
	}
	if c.Edge.LogDir == "" {
		c.Edge.LogDir = c.LogDir
	}
}

// Validate rejects configurations the daemons cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("config: stream on port %d has no name", s.Port)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("config: stream %q has invalid port %d", s.Name, s.Port)
		}
		switch s.Kind {
		case edgelens.StreamRaw, edgelens.StreamAnnotated:
		default:
			return fmt.Errorf("config: stream %q has unknown kind %q", s.Name, s.Kind)
		}
	}
	switch c.Supervisor.Restart {
	case RestartManual, RestartOnCrash:
	default:
		return fmt.Errorf("config: unknown restart policy %q", c.Supervisor.Restart)
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("config: max_restarts must be >= 0")
	}
	if len(c.Supervisor.GatewayCommand) == 0 {
		return fmt.Errorf("config: supervisor.gateway_command is empty")
	}
	return nil
}

// ProbePorts returns the remote ports the supervisor probes: every stream
// port plus the reserved ones.
func (c *Config) ProbePorts() []int {
	ports := make([]int, 0, len(c.Streams)+len(c.ReservedPorts))
	for _, s := range c.Streams {
		ports = append(ports, s.Port)
	}
	ports = append(ports, c.ReservedPorts...)
	return ports
}

// StreamByName returns the stream with the given config name.
func (c *Config) StreamByName(name string) (Stream, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}
