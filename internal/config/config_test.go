package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgelens/edgelens"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	ports := cfg.ProbePorts()
	want := []int{9000, 9001, 9002}
	if len(ports) != len(want) {
		t.Fatalf("probe ports = %v, want %v", ports, want)
	}
	for i := range want {
		if ports[i] != want[i] {
			t.Fatalf("probe ports = %v, want %v", ports, want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TEST_EDGE_TOKEN", "sekrit")

	raw := `
log_dir: /tmp/el-logs
edge:
  host: 10.0.0.2
  agent_token: ${TEST_EDGE_TOKEN}
streams:
  - name: annotated
    port: 9000
    kind: annotated
  - name: raw
    port: 9001
    kind: raw
gateway:
  dial_timeout: 250ms
  retry_interval: 1s
supervisor:
  restart: on-crash
  max_restarts: 3
agent:
  services:
    - name: capture
      cmd: edgelens-capture
      args: ["-config", "edgelens.yml"]
    - name: infer
      cmd: edgelens-infer
      needs: [capture]
`
	path := filepath.Join(t.TempDir(), "edgelens.yml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Edge.Host != "10.0.0.2" {
		t.Errorf("edge host = %q", cfg.Edge.Host)
	}
	if cfg.Edge.AgentToken != "sekrit" {
		t.Errorf("agent token = %q, env substitution failed", cfg.Edge.AgentToken)
	}
	if cfg.Agent.Token != "sekrit" {
		t.Errorf("agent.token = %q, should inherit edge.agent_token", cfg.Agent.Token)
	}
	if got := cfg.Gateway.DialTimeout.Duration(); got != 250*time.Millisecond {
		t.Errorf("dial timeout = %v", got)
	}
	if got := cfg.Gateway.RetryInterval.Duration(); got != time.Second {
		t.Errorf("retry interval = %v", got)
	}
	if cfg.Supervisor.Restart != RestartOnCrash || cfg.Supervisor.MaxRestarts != 3 {
		t.Errorf("supervisor restart = %q/%d", cfg.Supervisor.Restart, cfg.Supervisor.MaxRestarts)
	}
	// Sections absent from the file keep their defaults.
	if got := cfg.Supervisor.ProbeTimeout.Duration(); got != 2*time.Second {
		t.Errorf("probe timeout = %v, want default 2s", got)
	}
	if cfg.Gateway.InferCommandURL != "http://10.0.0.2:9003" {
		t.Errorf("infer command url = %q", cfg.Gateway.InferCommandURL)
	}

	if len(cfg.Agent.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(cfg.Agent.Services))
	}
	infer := cfg.Agent.Services[1]
	if infer.Cmd != "edgelens-infer" || len(infer.Needs) != 1 || infer.Needs[0] != "capture" {
		t.Errorf("infer service parsed wrong: %+v", infer)
	}

	st, ok := cfg.StreamByName("annotated")
	if !ok || st.Kind != edgelens.StreamAnnotated {
		t.Errorf("StreamByName(annotated) = %+v, %v", st, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EDGELENS_EDGE_HOST", "192.168.7.7")
	t.Setenv("EDGELENS_AGENT_TOKEN", "tok")
	t.Setenv("EDGELENS_ADMIN_LISTEN", "127.0.0.1:9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Edge.Host != "192.168.7.7" {
		t.Errorf("edge host = %q", cfg.Edge.Host)
	}
	if cfg.Edge.AgentToken != "tok" || cfg.Agent.Token != "tok" {
		t.Errorf("token override not applied: %q / %q", cfg.Edge.AgentToken, cfg.Agent.Token)
	}
	if cfg.Supervisor.AdminListen != "127.0.0.1:9999" {
		t.Errorf("admin listen = %q", cfg.Supervisor.AdminListen)
	}
	if cfg.Edge.AgentURL() != "http://192.168.7.7:9010" {
		t.Errorf("agent url = %q", cfg.Edge.AgentURL())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown kind", func(c *Config) { c.Streams[0].Kind = "grayscale" }, "unknown kind"},
		{"duplicate name", func(c *Config) { c.Streams[1].Name = c.Streams[0].Name }, "duplicate"},
		{"bad port", func(c *Config) { c.Streams[0].Port = 0 }, "invalid port"},
		{"bad restart", func(c *Config) { c.Supervisor.Restart = "always" }, "restart policy"},
		{"negative restarts", func(c *Config) { c.Supervisor.MaxRestarts = -1 }, "max_restarts"},
		{"no gateway command", func(c *Config) { c.Supervisor.GatewayCommand = nil }, "gateway_command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	if err := yaml.Unmarshal([]byte("a: 1m30s\nb: 1000000000\n"), &out); err != nil {
		t.Fatal(err)
	}
	if out.A.Duration() != 90*time.Second {
		t.Errorf("a = %v", out.A.Duration())
	}
	if out.B.Duration() != time.Second {
		t.Errorf("b = %v", out.B.Duration())
	}

	if err := yaml.Unmarshal([]byte("a: [1, 2]\n"), &out); err == nil {
		t.Error("expected error for non-scalar duration")
	}
}
