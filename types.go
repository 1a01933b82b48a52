package edgelens

import (
	"time"
)

// StreamKind distinguishes the two feeds an edge node serves.
type StreamKind string

const (
	StreamRaw       StreamKind = "raw"
	StreamAnnotated StreamKind = "annotated"
)

// ProcessState tracks the supervised gateway process.
type ProcessState string

const (
	StateNotStarted ProcessState = "not_started"
	StateStarting   ProcessState = "starting"
	StateRunning    ProcessState = "running"
	StateCrashed    ProcessState = "crashed"
	StateStopped    ProcessState = "stopped"
)

// ServiceState tracks a worker process in the edge agent's arena.
type ServiceState string

const (
	ServiceStopped  ServiceState = "stopped"
	ServiceStarting ServiceState = "starting"
	ServiceRunning  ServiceState = "running"
	ServiceStopping ServiceState = "stopping"
	ServiceFailed   ServiceState = "failed"
)

// StreamInfo is one stream's entry in the gateway status report.
type StreamInfo struct {
	Name        string     `json:"name"`
	Kind        StreamKind `json:"kind"`
	Upstream    string     `json:"upstream"`
	Connected   bool       `json:"connected"`
	Frames      uint64     `json:"frames"`
	Clients     int        `json:"clients"`
	LastFrameAt *time.Time `json:"last_frame_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// GatewayStatus is the response of the gateway's /status endpoint.
type GatewayStatus struct {
	Version   string       `json:"version"`
	StartedAt time.Time    `json:"started_at"`
	Streams   []StreamInfo `json:"streams"`
}

// ServiceInfo describes one managed worker process on the edge node.
type ServiceInfo struct {
	Name      string       `json:"name"`
	State     ServiceState `json:"state"`
	PID       int          `json:"pid,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
	LogPath   string       `json:"log_path,omitempty"`
}

// AgentStatus is the response of the agent's /v1/status endpoint.
type AgentStatus struct {
	Version        string        `json:"version"`
	Hostname       string        `json:"hostname"`
	StartedAt      time.Time     `json:"started_at"`
	Services       []ServiceInfo `json:"services"`
	ListeningPorts []int         `json:"listening_ports,omitempty"`
}

// ProbeResult is one reachability observation. Results are recomputed every
// cycle and reported live; they are never persisted.
type ProbeResult struct {
	Port       int       `json:"port"`
	Reachable  bool      `json:"reachable"`
	ObservedAt time.Time `json:"observed_at"`
}

// NodeStatus summarizes edge-node reachability, judged separately from any
// single port so a network outage is never reported as a process crash.
type NodeStatus struct {
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checked_at"`
	Detail    string    `json:"detail,omitempty"`
}

// SupervisorStatus is the response of the supervisor admin API.
type SupervisorStatus struct {
	Version      string        `json:"version"`
	StartedAt    time.Time     `json:"started_at"`
	Gateway      GatewayChild  `json:"gateway"`
	Node         NodeStatus    `json:"node"`
	Probes       []ProbeResult `json:"probes"`
	AgentVersion string        `json:"agent_version,omitempty"`
}

// GatewayChild describes the supervised local gateway process.
type GatewayChild struct {
	State      ProcessState `json:"state"`
	PID        int          `json:"pid,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	Restarts   int          `json:"restarts"`
	LastChange time.Time    `json:"last_change"`
}

// Event is one journal record of a lifecycle action or observation.
type Event struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Detail  string    `json:"detail,omitempty"`
}

// Event kinds written by the supervisor and agent.
const (
	EventStateChange = "state_change"
	EventCrash       = "crash"
	EventRestart     = "restart"
	EventDeploy      = "deploy"
	EventLaunch      = "launch"
)
