package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/edgelens/edgelens/pkg/tap"
)

// startService starts a service and its dependencies
func (m *Manager) startService(svc *Service, defs map[string]*Service, states map[string]*ServiceState, processes map[string]*ProcessHandle) error {
	state, exists := states[svc.Name]
	if !exists {
		return fmt.Errorf("service state not found: %s", svc.Name)
	}

	// Check if already running
	if state.Status == StatusRunning {
		return nil
	}

	if state.Status == StatusStarting {
		return fmt.Errorf("service is already starting: %s", svc.Name)
	}

	// Start dependencies first
	for _, dep := range svc.Needs {
		depSvc, exists := defs[dep]
		if !exists {
			return fmt.Errorf("unknown dependency %s of service %s", dep, svc.Name)
		}

		if states[depSvc.Name].Status != StatusRunning {
			tap.Logger(m.ctx).Info("starting dependency", "service", svc.Name, "dependency", dep)
			if err := m.startService(depSvc, defs, states, processes); err != nil {
				return fmt.Errorf("failed to start dependency %s: %w", dep, err)
			}
		} else {
			tap.Logger(m.ctx).Info("dependency already running", "service", svc.Name, "dependency", dep)
		}
	}

	// Update state to starting
	state.Status = StatusStarting
	state.Error = ""
	state.ExitCode = nil

	// Start the process
	handle, err := m.startProcess(svc)
	if err != nil {
		state.Status = StatusFailed
		state.Error = err.Error()
		return fmt.Errorf("failed to start process: %w", err)
	}

	// Update state to running
	state.Status = StatusRunning
	state.PID = handle.PID
	state.StartedAt = time.Now()
	processes[svc.Name] = handle

	tap.Logger(m.ctx).Info("service started", "name", svc.Name, "pid", handle.PID)

	// Monitor the process in a separate goroutine
	go m.monitorProcess(svc.Name, handle)

	return nil
}

// stopService stops a running service. A service that is already stopped
// (or was never started) is left alone and no error is returned.
func (m *Manager) stopService(name string, defs map[string]*Service, states map[string]*ServiceState, processes map[string]*ProcessHandle) error {
	state, exists := states[name]
	if !exists {
		return fmt.Errorf("service state not found: %s", name)
	}

	if state.Status != StatusRunning && state.Status != StatusStarting {
		tap.Logger(m.ctx).Debug("service already stopped", "name", name, "status", state.Status)
		return nil
	}

	// Check if any other services depend on this one and are running
	for svcName, svcState := range states {
		if svcName == name {
			continue
		}
		if svcState.Status == StatusRunning || svcState.Status == StatusStarting {
			svc, exists := defs[svcName]
			if !exists {
				continue
			}
			for _, dep := range svc.Needs {
				if dep == name {
					return fmt.Errorf("cannot stop service %s: service %s depends on it and is running", name, svcName)
				}
			}
		}
	}

	handle, exists := processes[name]
	if !exists {
		// Process handle missing, mark as stopped
		state.Status = StatusStopped
		state.PID = 0
		return nil
	}

	// Update state
	state.Status = StatusStopping

	// Send SIGTERM for graceful shutdown
	process, err := os.FindProcess(handle.PID)
	if err == nil {
		if err := process.Signal(syscall.SIGTERM); err != nil {
			tap.Logger(m.ctx).Warn("failed to send SIGTERM", "name", name, "pid", handle.PID, "error", err)
		} else {
			tap.Logger(m.ctx).Info("sent SIGTERM", "name", name, "pid", handle.PID)
		}
	} else {
		tap.Logger(m.ctx).Warn("failed to find process", "name", name, "pid", handle.PID, "error", err)
	}

	// Wait for graceful exit
	select {
	case <-handle.Done:
		tap.Logger(m.ctx).Info("service stopped gracefully", "name", name, "pid", handle.PID)
	case <-time.After(m.stopGrace):
		// Force kill
		tap.Logger(m.ctx).Warn("service did not stop gracefully, force killing", "name", name, "pid", handle.PID)
		if err := forceKillProcess(handle.PID); err != nil {
			tap.Logger(m.ctx).Error("failed to force kill process", "name", name, "pid", handle.PID, "error", err)
			return fmt.Errorf("failed to force kill process: %w", err)
		}
		// Wait a bit for the process to actually die
		select {
		case <-handle.Done:
			tap.Logger(m.ctx).Info("service force killed", "name", name, "pid", handle.PID)
		case <-time.After(100 * time.Millisecond):
			tap.Logger(m.ctx).Error("process still running after force kill", "name", name, "pid", handle.PID)
		}
		// Cancel the context to clean up resources
		handle.Cancel()
	}

	return nil
}

// monitorProcess monitors a running process and updates state when it exits
func (m *Manager) monitorProcess(name string, handle *ProcessHandle) {
	// Wait for process to exit and get exit code
	<-handle.Done

	exitCode := 0
	select {
	case code := <-handle.ExitCode:
		exitCode = code
		// Store the exit code in the handle for later retrieval
		handle.SetExitCode(code)
	case <-time.After(100 * time.Millisecond):
		// Exit code not available after timeout
		exitCode = -1
	}

	// Send process exit notification through channel
	// Don't wait for result since we're in a goroutine
	select {
	case m.commands <- command{
		op:       opProcessExit,
		name:     name,
		pid:      handle.PID,
		exitCode: exitCode,
		result:   nil, // No result needed
	}:
	case <-m.ctx.Done():
		// Manager is shutting down
	}
}

// forceKillProcess sends SIGKILL to a process
func forceKillProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGKILL)
}

// startProcess starts a service's process with logging wired up
func (m *Manager) startProcess(svc *Service) (*ProcessHandle, error) {
	logger := tap.Logger(m.ctx).With("service", svc.Name)
	logger.Info("starting service process", "cmd", svc.Cmd, "args", svc.Args)

	// Create a context that we can cancel
	procCtx, cancel := context.WithCancel(m.ctx)
	command := exec.CommandContext(procCtx, svc.Cmd, svc.Args...)
	command.Env = append(os.Environ(), svc.Env...)
	command.Dir = svc.Dir

	// Set up logging if configured
	if m.logDir != "" {
		if err := m.setupProcessLogging(command, svc.Name, logger, procCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to setup logging: %w", err)
		}
	}

	// Start the command
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	// Create done and exit code channels
	done := make(chan struct{})
	exitCode := make(chan int, 1)

	// Monitor process exit. Wait has flushed stdout/stderr by the time it
	// returns, so cancelling here releases the log files.
	go func() {
		err := command.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		exitCode <- code
		close(done)
		cancel()
	}()

	return &ProcessHandle{
		PID:      command.Process.Pid,
		Cancel:   cancel,
		Done:     done,
		ExitCode: exitCode,
	}, nil
}

// setupProcessLogging sends stdout/stderr to per-service log files and the
// structured log
func (m *Manager) setupProcessLogging(cmd *exec.Cmd, name string, logger *slog.Logger, procCtx context.Context) error {
	stdoutPath := m.ServiceLogPath(name)
	stderrPath := filepath.Join(m.logDir, "services", fmt.Sprintf("%s.stderr.log", name))

	stdoutFile, err := openLogFile(stdoutPath)
	if err != nil {
		return fmt.Errorf("failed to open stdout log: %w", err)
	}

	stderrFile, err := openLogFile(stderrPath)
	if err != nil {
		stdoutFile.Close()
		return fmt.Errorf("failed to open stderr log: %w", err)
	}

	stdoutWriter := tap.NewLineWriter(stdoutFile, func(line string) {
		logger.Info(line)
	})
	stderrWriter := tap.NewLineWriter(stderrFile, func(line string) {
		logger.Error(line)
	})

	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter

	// Close files when the process context ends
	go func() {
		<-procCtx.Done()
		// Give a moment for final writes
		time.Sleep(10 * time.Millisecond)
		stdoutWriter.Close()
		stderrWriter.Close()
		stdoutFile.Close()
		stderrFile.Close()
	}()

	return nil
}

// ServiceLogPath returns the stdout log file path for a service. Empty when
// the manager has no log directory.
func (m *Manager) ServiceLogPath(name string) string {
	if m.logDir == "" {
		return ""
	}
	return filepath.Join(m.logDir, "services", fmt.Sprintf("%s.log", name))
}

// openLogFile opens a log file, truncating it if it's larger than maxLogSize
func openLogFile(path string) (*os.File, error) {
	const maxLogSize = 1024 * 1024 // 1MB

	// Check if file exists and its size
	info, err := os.Stat(path)
	if err == nil && info.Size() > maxLogSize {
		// Truncate the file if it's too large
		return os.Create(path)
	}

	// Open for append, create if doesn't exist
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}
