// Package supervisor provides a simple, robust process supervisor with graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Supervisor manages a single process with graceful shutdown and signal forwarding
type Supervisor struct {
	cmd         *exec.Cmd
	gracePeriod time.Duration
	startedCh   chan struct{}
	stoppedCh   chan struct{}
	errorCh     chan error
	signalCh    chan os.Signal
	stopCh      chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	waitErr     error
	waitOnce    sync.Once
}

// Config holds configuration for the supervisor
type Config struct {
	Command     string
	Args        []string
	GracePeriod time.Duration
	Env         []string
	Dir         string

	// Stdout and Stderr receive the process output. Both default to the
	// supervising process's own stdout/stderr when nil.
	Stdout io.Writer
	Stderr io.Writer
}

// New creates a new supervisor instance
func New(config Config) (*Supervisor, error) {
	if config.Command == "" {
		return nil, errors.New("command cannot be empty")
	}

	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, config.Command, config.Args...)

	if len(config.Env) > 0 {
		cmd.Env = config.Env
	}
	if config.Dir != "" {
		cmd.Dir = config.Dir
	}

	// Set process group to enable killing child processes
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	cmd.Stdout = config.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = config.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	return &Supervisor{
		cmd:         cmd,
		gracePeriod: config.GracePeriod,
		startedCh:   make(chan struct{}),
		stoppedCh:   make(chan struct{}),
		errorCh:     make(chan error, 1),
		signalCh:    make(chan os.Signal, 10),
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start starts the supervised process and returns its PID
func (s *Supervisor) Start() (int, error) {
	// Prevent multiple starts
	select {
	case <-s.startedCh:
		return -1, errors.New("process already started")
	default:
	}

	// Start the process
	if err := s.cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start process: %w", err)
	}

	close(s.startedCh)
	go s.monitor()

	return s.cmd.Process.Pid, nil
}

// Stop gracefully stops the process with SIGTERM, then SIGKILL after
// the grace period. Stopping a process that never started or already
// exited is a no-op.
func (s *Supervisor) Stop() error {
	select {
	case <-s.stoppedCh:
		return nil // Already stopped
	case <-s.startedCh:
		// Process was started, proceed with stop
	default:
		return nil // Never started, nothing to do
	}

	// Check if stop was already initiated
	select {
	case <-s.stopCh:
		// Stop already initiated, just wait
	default:
		// Initiate stop
		close(s.stopCh)
	}

	// Wait for process to stop or timeout
	select {
	case <-s.stoppedCh:
		return nil
	case <-time.After(s.gracePeriod + time.Second):
		return errors.New("process stop timeout")
	}
}

// Signal forwards a signal to the supervised process
func (s *Supervisor) Signal(sig os.Signal) error {
	select {
	case <-s.startedCh:
		// Process is started
	default:
		return errors.New("process not started")
	}

	select {
	case <-s.stoppedCh:
		return errors.New("process already stopped")
	case s.signalCh <- sig:
		return nil
	case <-time.After(100 * time.Millisecond):
		return errors.New("signal channel full")
	}
}

// Wait blocks until the process exits
func (s *Supervisor) Wait() error {
	select {
	case <-s.startedCh:
		// Process was started
	default:
		return errors.New("process not started")
	}

	// Wait for process to stop
	<-s.stoppedCh

	// Ensure we only read from errorCh once
	s.waitOnce.Do(func() {
		select {
		case err := <-s.errorCh:
			s.waitErr = err
		default:
			s.waitErr = nil
		}
	})

	return s.waitErr
}

// Done returns a channel that is closed once the process has exited.
// It is safe to call before Start.
func (s *Supervisor) Done() <-chan struct{} {
	return s.stoppedCh
}

// Pid returns the process ID of the supervised process
func (s *Supervisor) Pid() (int, error) {
	select {
	case <-s.startedCh:
		// Process is started
	default:
		return -1, errors.New("process not started")
	}

	if s.cmd.Process == nil {
		return -1, errors.New("process handle is nil")
	}

	return s.cmd.Process.Pid, nil
}

// ExitCode returns the exit code of the process after it has stopped.
// It returns -1 while the process is still running, if it never started,
// or if it was terminated by a signal.
func (s *Supervisor) ExitCode() int {
	select {
	case <-s.stoppedCh:
	default:
		return -1
	}

	if s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// monitor handles the lifecycle of the supervised process
func (s *Supervisor) monitor() {
	defer close(s.stoppedCh)

	// Channel to receive process exit
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- s.cmd.Wait()
	}()

	// Main monitoring loop
	for {
		select {
		case sig := <-s.signalCh:
			// Forward signal to process
			if s.cmd.Process != nil {
				s.cmd.Process.Signal(sig)
			}

		case <-s.stopCh:
			// Graceful shutdown requested
			s.performGracefulShutdown(exitCh)
			return

		case err := <-exitCh:
			// Process exited on its own
			if err != nil {
				s.errorCh <- err
			}
			return
		}
	}
}

// performGracefulShutdown attempts graceful shutdown with SIGTERM, then SIGKILL
func (s *Supervisor) performGracefulShutdown(exitCh <-chan error) {
	if s.cmd.Process == nil {
		return
	}

	// Send SIGTERM to the entire process group (negative PID)
	syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)

	// Wait for graceful shutdown or timeout
	select {
	case err := <-exitCh:
		if err != nil {
			s.errorCh <- err
		}
		return

	case <-time.After(s.gracePeriod):
		// Grace period expired, force kill the entire process group
		syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)

		// Wait for process to exit
		select {
		case err := <-exitCh:
			if err != nil {
				s.errorCh <- fmt.Errorf("process killed after grace period: %w", err)
			}
		case <-time.After(time.Second):
			s.errorCh <- errors.New("process failed to exit after SIGKILL")
		}
	}
}
