// Package services runs the edge node's worker processes. A single
// goroutine owns all state; every mutation arrives as a command on a
// channel, so starts, stops and exit notifications never race. Process
// output is captured to per-service log files under <logDir>/services/.
package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edgelens/edgelens/pkg/tap"
)

// Manager manages service lifecycle and dependencies
type Manager struct {
	logDir    string        // Directory for service logs
	stopGrace time.Duration // SIGTERM-to-SIGKILL window when stopping

	// Channel-based state management
	commands      chan command
	stateRequests chan stateRequest
	ctx           context.Context
	cancel        context.CancelFunc
}

// command represents an operation on the manager
type command struct {
	op       operation
	svc      *Service
	name     string
	pid      int              // for opProcessExit
	exitCode int              // for opProcessExit
	result   chan interface{} // can be error or other types like *ProcessHandle
}

type operation int

const (
	opRegister operation = iota
	opStart
	opStop
	opRestart
	opShutdown
	opProcessExit
	opStartAll
	opList
	opGetProcessHandle
)

type stateRequest struct {
	name   string
	result chan *ServiceState
}

// Option configures the Manager
type Option func(*Manager)

// WithLogDir sets the directory for service logs
func WithLogDir(logDir string) Option {
	return func(m *Manager) {
		m.logDir = logDir
	}
}

// WithStopGrace sets how long a stopping service gets between SIGTERM and
// SIGKILL.
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stopGrace = d
		}
	}
}

// NewManager creates a new service manager
func NewManager(opts ...Option) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		stopGrace:     1 * time.Second,
		commands:      make(chan command),
		stateRequests: make(chan stateRequest),
		ctx:           ctx,
		cancel:        cancel,
	}

	// Apply options
	for _, opt := range opts {
		opt(m)
	}

	// Set up log directory if configured
	if m.logDir != "" {
		if err := os.MkdirAll(filepath.Join(m.logDir, "services"), 0755); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// Start the manager loop
	go m.run()

	return m, nil
}

// Close stops all services and shuts down the manager
func (m *Manager) Close() error {
	if err := m.Shutdown(); err != nil {
		tap.Logger(m.ctx).Error("error during shutdown", "error", err)
	}
	m.cancel()
	return nil
}

// run is the main event loop
func (m *Manager) run() {
	// In-memory state, owned by this goroutine
	defs := make(map[string]*Service)
	states := make(map[string]*ServiceState)
	processes := make(map[string]*ProcessHandle)

	for {
		select {
		case <-m.ctx.Done():
			return

		case cmd := <-m.commands:
			switch cmd.op {
			case opRegister:
				err := m.handleRegister(cmd.svc, defs, states)
				cmd.result <- err

			case opStart:
				err := m.handleStart(cmd.name, defs, states, processes)
				cmd.result <- err

			case opStop:
				err := m.handleStop(cmd.name, defs, states, processes)
				cmd.result <- err

			case opRestart:
				err := m.handleRestart(cmd.name, defs, states, processes)
				cmd.result <- err

			case opShutdown:
				err := m.handleShutdown(defs, states, processes)
				cmd.result <- err

			case opProcessExit:
				// Handle process exit notification. A restart may already
				// have replaced the process; notifications for a PID that no
				// longer matches the state are stale and ignored.
				state, exists := states[cmd.name]
				if exists && state.PID == cmd.pid {
					state.PID = 0
					if cmd.exitCode >= 0 {
						code := cmd.exitCode
						state.ExitCode = &code
					}
					if cmd.exitCode == 0 || cmd.exitCode == -1 {
						state.Status = StatusStopped
						state.Error = ""
					} else {
						state.Status = StatusFailed
						state.Error = fmt.Sprintf("exited with code %d", cmd.exitCode)
					}
					delete(processes, cmd.name)

					// Log the exit
					if cmd.exitCode == 0 {
						tap.Logger(m.ctx).Info("service stopped", "name", cmd.name, "exit_code", cmd.exitCode)
					} else if cmd.exitCode == -1 {
						tap.Logger(m.ctx).Info("service stopped", "name", cmd.name, "exit_code", "unknown")
					} else {
						tap.Logger(m.ctx).Error("service exited with error", "name", cmd.name, "exit_code", cmd.exitCode)
					}
				} else {
					tap.Logger(m.ctx).Debug("ignoring stale exit notification", "name", cmd.name, "pid", cmd.pid)
				}

				// No result to send for process exit
				if cmd.result != nil {
					cmd.result <- nil
				}

			case opStartAll:
				// Start all services in dependency order
				err := m.handleStartAll(defs, states, processes)
				cmd.result <- err

			case opList:
				// Snapshot of every service state
				list := make([]*ServiceState, 0, len(states))
				for _, state := range states {
					stateCopy := *state
					list = append(list, &stateCopy)
				}
				cmd.result <- list

			case opGetProcessHandle:
				// Get process handle for a service
				handle, exists := processes[cmd.name]
				if !exists {
					cmd.result <- fmt.Errorf("service not running: %s", cmd.name)
				} else {
					cmd.result <- handle
				}
			}

		case req := <-m.stateRequests:
			state, exists := states[req.name]
			if !exists {
				req.result <- nil
			} else {
				// Return a copy to avoid race conditions
				stateCopy := *state
				req.result <- &stateCopy
			}
		}
	}
}

// Public API methods that send commands through channels

// Register adds a service definition. Forward references in Needs are
// allowed; missing dependencies are caught at start time.
func (m *Manager) Register(svc *Service) error {
	result := make(chan interface{})
	m.commands <- command{
		op:     opRegister,
		svc:    svc,
		result: result,
	}
	resp := <-result
	if resp == nil {
		return nil
	}
	return resp.(error)
}

// StartService starts a single service by name
func (m *Manager) StartService(name string) error {
	result := make(chan interface{})
	m.commands <- command{
		op:     opStart,
		name:   name,
		result: result,
	}
	resp := <-result
	if resp == nil {
		return nil
	}
	return resp.(error)
}

// StopService stops a running service. Stopping a service that is not
// running is a no-op.
func (m *Manager) StopService(name string) error {
	result := make(chan interface{})
	m.commands <- command{
		op:     opStop,
		name:   name,
		result: result,
	}
	resp := <-result
	if resp == nil {
		return nil
	}
	return resp.(error)
}

// RestartService stops a service if it is running, then starts it again.
// Both steps happen in one manager turn so no other command interleaves.
func (m *Manager) RestartService(name string) error {
	result := make(chan interface{})
	m.commands <- command{
		op:     opRestart,
		name:   name,
		result: result,
	}
	resp := <-result
	if resp == nil {
		return nil
	}
	return resp.(error)
}

// GetServiceState returns the current state of a service
func (m *Manager) GetServiceState(name string) (*ServiceState, error) {
	result := make(chan *ServiceState)
	m.stateRequests <- stateRequest{
		name:   name,
		result: result,
	}
	state := <-result
	if state == nil {
		return nil, fmt.Errorf("service not found: %s", name)
	}
	return state, nil
}

// ListStates returns a snapshot of every registered service's state.
func (m *Manager) ListStates() []*ServiceState {
	result := make(chan interface{})
	m.commands <- command{
		op:     opList,
		result: result,
	}
	return (<-result).([]*ServiceState)
}

// Shutdown stops all running services in reverse dependency order
func (m *Manager) Shutdown() error {
	result := make(chan interface{})
	m.commands <- command{
		op:     opShutdown,
		result: result,
	}
	resp := <-result
	if resp == nil {
		return nil
	}
	return resp.(error)
}

// StartAndMonitor starts a service and monitors it for the given duration
// It returns information about whether the service started successfully and
// whether it completed (exited) within the monitoring duration
func (m *Manager) StartAndMonitor(name string, duration time.Duration) (*StartResult, error) {
	// Start the service
	err := m.StartService(name)
	if err != nil {
		return &StartResult{
			Started: false,
			Error:   err,
		}, nil
	}

	// Create a context with the monitoring duration
	ctx, cancel := context.WithTimeout(m.ctx, duration)
	defer cancel()

	// Monitor the service for the specified duration
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Monitoring duration reached, service still running
			return &StartResult{
				Started:   true,
				Completed: false,
			}, nil
		case <-ticker.C:
			state, err := m.GetServiceState(name)
			if err != nil {
				return &StartResult{
					Started:   true,
					Completed: true,
					ExitCode:  -1,
					Error:     err,
				}, nil
			}
			if state.Status == StatusStopped || state.Status == StatusFailed {
				// Service has stopped
				exitCode := 0
				if state.ExitCode != nil {
					exitCode = *state.ExitCode
				} else if state.Status == StatusFailed {
					exitCode = 1 // Unknown non-zero exit
				}
				return &StartResult{
					Started:   true,
					Completed: true,
					ExitCode:  exitCode,
				}, nil
			}
		}
	}
}

// StartAll starts all registered services in dependency order
func (m *Manager) StartAll() error {
	result := make(chan interface{})
	m.commands <- command{
		op:     opStartAll,
		result: result,
	}
	resp := <-result
	if resp == nil {
		return nil
	}
	return resp.(error)
}

// WaitForStop waits for a service to reach stopped state
func (m *Manager) WaitForStop(name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for service %s to stop", name)
		case <-ticker.C:
			state, err := m.GetServiceState(name)
			if err != nil {
				return nil
			}
			if state.Status == StatusStopped || state.Status == StatusFailed {
				return nil
			}
		}
	}
}

// GetProcessHandle returns the ProcessHandle for a running service
func (m *Manager) GetProcessHandle(name string) (*ProcessHandle, error) {
	result := make(chan interface{})
	m.commands <- command{
		op:     opGetProcessHandle,
		name:   name,
		result: result,
	}
	resp := <-result
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp.(*ProcessHandle), nil
}

// WaitForService waits for a service to exit and returns the exit code.
// Returns an error if the timeout is reached before the service exits.
func (m *Manager) WaitForService(name string, timeout time.Duration) (int, error) {
	handle, err := m.GetProcessHandle(name)
	if err != nil {
		return 0, err
	}
	return handle.Wait(timeout)
}
