package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Service describes a worker process the manager can run. Definitions come
// from the agent configuration and are registered once at startup.
type Service struct {
	Name  string   `json:"name" yaml:"name"`
	Cmd   string   `json:"cmd" yaml:"cmd"`
	Args  []string `json:"args,omitempty" yaml:"args"`
	Env   []string `json:"env,omitempty" yaml:"env"`     // KEY=value pairs appended to the agent environment
	Dir   string   `json:"dir,omitempty" yaml:"dir"`     // working directory, agent's cwd when empty
	Needs []string `json:"needs,omitempty" yaml:"needs"` // services that must be running first
}

// ServiceState represents the runtime state of a service
type ServiceState struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"` // nil until the process has exited with a known code
	Error     string    `json:"error,omitempty"`
}

// Status represents the state of a service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusFailed   Status = "failed"
)

// StartResult represents the result of starting and monitoring a service
type StartResult struct {
	Started   bool  // Whether the service started successfully
	Completed bool  // Whether the service completed (exited) within the monitoring duration
	ExitCode  int   // Exit code if the service completed
	Error     error // Error if start failed or other error occurred
}

// ProcessHandle represents a running process
type ProcessHandle struct {
	PID         int
	Cancel      context.CancelFunc
	Done        <-chan struct{} // Closed when process exits
	ExitCode    <-chan int      // Receives exit code when process exits
	exitCodeVal int             // Stored exit code value
	exitCodeSet bool            // Whether exit code has been set
	mu          sync.Mutex      // Protects exitCodeVal and exitCodeSet
}

// SetExitCode stores the exit code for later retrieval
func (h *ProcessHandle) SetExitCode(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exitCodeVal = code
	h.exitCodeSet = true
}

// Wait waits for the process to exit and returns the exit code.
// Returns an error if the timeout is reached before the process exits.
func (h *ProcessHandle) Wait(timeout time.Duration) (int, error) {
	select {
	case <-h.Done:
		// Process has exited, check if we have a stored exit code
		h.mu.Lock()
		if h.exitCodeSet {
			code := h.exitCodeVal
			h.mu.Unlock()
			return code, nil
		}
		h.mu.Unlock()

		// Try to get exit code from channel
		select {
		case code := <-h.ExitCode:
			h.SetExitCode(code)
			return code, nil
		case <-time.After(100 * time.Millisecond):
			// Exit code not available
			return -1, nil
		}
	case <-time.After(timeout):
		return 0, fmt.Errorf("timeout waiting for process to exit")
	}
}
