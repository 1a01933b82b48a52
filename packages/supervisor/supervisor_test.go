package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				Command:     "echo",
				Args:        []string{"test"},
				GracePeriod: 5 * time.Second,
			},
			wantErr: false,
		},
		{
			name: "empty command",
			config: Config{
				Command: "",
			},
			wantErr: true,
		},
		{
			name: "default grace period",
			config: Config{
				Command: "echo",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && s == nil {
				t.Error("New() returned nil supervisor")
			}
			if !tt.wantErr && s.gracePeriod <= 0 {
				t.Error("New() supervisor has invalid grace period")
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(Config{
		Command:     "sleep",
		Args:        []string{"10"},
		GracePeriod: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	// Test start
	pid, err := s.Start()
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	if pid <= 0 {
		t.Errorf("Invalid PID returned from Start: %d", pid)
	}

	// Verify process is running
	pidFromGetter, err := s.Pid()
	if err != nil {
		t.Fatalf("Failed to get PID: %v", err)
	}
	if pidFromGetter != pid {
		t.Errorf("PID mismatch: Start returned %d, Pid() returned %d", pid, pidFromGetter)
	}

	// Test double start
	_, err = s.Start()
	if err == nil {
		t.Error("Expected error on double start")
	}

	// Test stop
	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop process: %v", err)
	}

	// Test double stop
	if err := s.Stop(); err != nil {
		t.Error("Expected no error on double stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	// Stop before start is a no-op
	s, err := New(Config{Command: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on never-started process returned error: %v", err)
	}

	// Stop after the process has already exited is a no-op
	s, err = New(Config{Command: "true", GracePeriod: time.Second})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}
	if _, err := s.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop #%d after exit returned error: %v", i+1, err)
		}
	}
}

func TestGracefulShutdown(t *testing.T) {
	// Create a script that handles SIGTERM gracefully
	script := `#!/bin/bash
trap 'echo "SIGTERM received"; exit 0' SIGTERM
while true; do sleep 0.1; done
`
	scriptFile := "/tmp/test_graceful.sh"
	if err := os.WriteFile(scriptFile, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to create test script: %v", err)
	}
	defer os.Remove(scriptFile)

	s, err := New(Config{
		Command:     "bash",
		Args:        []string{scriptFile},
		GracePeriod: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	_, err = s.Start()
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	// Give process time to set up signal handler
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop process: %v", err)
	}
	duration := time.Since(start)

	// Should stop quickly (not wait for full grace period)
	if duration > time.Second {
		t.Errorf("Graceful shutdown took too long: %v", duration)
	}

	// Wait should return without error
	if err := s.Wait(); err != nil {
		t.Errorf("Wait returned error: %v", err)
	}
}

func TestForceKill(t *testing.T) {
	// Create a script that ignores SIGTERM
	script := `#!/bin/bash
trap '' SIGTERM
while true; do sleep 0.1; done
`
	scriptFile := "/tmp/test_force_kill.sh"
	if err := os.WriteFile(scriptFile, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to create test script: %v", err)
	}
	defer os.Remove(scriptFile)

	s, err := New(Config{
		Command:     "bash",
		Args:        []string{scriptFile},
		GracePeriod: 1 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	_, err = s.Start()
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	// Give process time to set up signal handler
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop process: %v", err)
	}
	duration := time.Since(start)

	// Should wait for grace period then force kill
	if duration < 1*time.Second || duration > 2*time.Second {
		t.Errorf("Force kill timing incorrect: %v", duration)
	}

	// Wait should return error about force kill
	err = s.Wait()
	if err == nil {
		t.Error("Expected error from force kill")
	}

	if err != nil && !strings.Contains(err.Error(), "process killed after grace period") {
		t.Errorf("Expected error about process killed after grace period, got: %v", err)
	}
}

func TestProcessExit(t *testing.T) {
	s, err := New(Config{
		Command:     "bash",
		Args:        []string{"-c", "exit 42"},
		GracePeriod: 1 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	_, err = s.Start()
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	// Wait for process to exit
	err = s.Wait()
	if err == nil {
		t.Error("Expected error from process exit with code 42")
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Errorf("Expected ExitError, got: %T", err)
	} else if exitErr.ExitCode() != 42 {
		t.Errorf("Expected exit code 42, got: %d", exitErr.ExitCode())
	}

	if code := s.ExitCode(); code != 42 {
		t.Errorf("ExitCode() = %d, want 42", code)
	}
}

func TestExitCodeBeforeExit(t *testing.T) {
	s, err := New(Config{Command: "sleep", Args: []string{"10"}, GracePeriod: time.Second})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	if code := s.ExitCode(); code != -1 {
		t.Errorf("ExitCode() before start = %d, want -1", code)
	}

	if _, err := s.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	if code := s.ExitCode(); code != -1 {
		t.Errorf("ExitCode() while running = %d, want -1", code)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop process: %v", err)
	}
}

func TestDone(t *testing.T) {
	s, err := New(Config{Command: "bash", Args: []string{"-c", "exit 7"}})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	select {
	case <-s.Done():
		t.Fatal("Done() closed before start")
	default:
	}

	if _, err := s.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after process exit")
	}

	if code := s.ExitCode(); code != 7 {
		t.Errorf("ExitCode() = %d, want 7", code)
	}
}

func TestOutputWriters(t *testing.T) {
	var stdout, stderr syncBuffer

	s, err := New(Config{
		Command: "bash",
		Args:    []string{"-c", "echo out-line; echo err-line >&2"},
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	if _, err := s.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	if got := stdout.String(); !strings.Contains(got, "out-line") {
		t.Errorf("stdout writer missing output, got %q", got)
	}
	if got := stderr.String(); !strings.Contains(got, "err-line") {
		t.Errorf("stderr writer missing output, got %q", got)
	}
	if got := stdout.String(); strings.Contains(got, "err-line") {
		t.Errorf("stderr leaked into stdout writer: %q", got)
	}
}

func TestSignalForwarding(t *testing.T) {
	// Create a script that counts signals
	script := `#!/bin/bash
count=0
trap 'count=$((count+1)); echo "Signal $count"' SIGUSR1
trap 'echo "Exiting with count $count"; exit $count' SIGTERM
while true; do sleep 0.1; done
`
	scriptFile := "/tmp/test_signal.sh"
	if err := os.WriteFile(scriptFile, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to create test script: %v", err)
	}
	defer os.Remove(scriptFile)

	s, err := New(Config{
		Command:     "bash",
		Args:        []string{scriptFile},
		GracePeriod: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	_, err = s.Start()
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	// Give process time to set up signal handlers
	time.Sleep(100 * time.Millisecond)

	// Send some signals
	for i := 0; i < 3; i++ {
		if err := s.Signal(syscall.SIGUSR1); err != nil {
			t.Errorf("Failed to send signal %d: %v", i, err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Stop the process
	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop process: %v", err)
	}
}

func TestNotStartedErrors(t *testing.T) {
	s, err := New(Config{
		Command: "echo",
		Args:    []string{"test"},
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	if err := s.Signal(syscall.SIGTERM); err == nil {
		t.Error("Expected error calling Signal on non-started process")
	}

	if err := s.Wait(); err == nil {
		t.Error("Expected error calling Wait on non-started process")
	}

	if _, err := s.Pid(); err == nil {
		t.Error("Expected error calling Pid on non-started process")
	}
}

func TestEnvironmentAndDirectory(t *testing.T) {
	var out syncBuffer
	s, err := New(Config{
		Command: "bash",
		Args:    []string{"-c", "echo $TEST_VAR; pwd"},
		Env:     []string{"TEST_VAR=hello123", "PATH=/usr/bin:/bin"},
		Dir:     "/tmp",
		Stdout:  &out,
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	_, err = s.Start()
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	// Process should exit quickly
	if err := s.Wait(); err != nil {
		t.Errorf("Process exited with error: %v", err)
	}

	if got := out.String(); !strings.Contains(got, "hello123") {
		t.Errorf("Env not applied, output: %q", got)
	}
}

func TestProcessGroup(t *testing.T) {
	// Skip test if we can't use ps command properly
	if _, err := exec.LookPath("ps"); err != nil {
		t.Skip("ps command not available")
	}

	// Create a script that spawns child processes
	script := `#!/bin/bash
sleep 100 &
sleep 100 &
sleep 100 &

trap 'exit 0' SIGTERM
while true; do sleep 0.1; done
`
	scriptFile := "/tmp/test_process_group.sh"
	if err := os.WriteFile(scriptFile, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to create test script: %v", err)
	}
	defer os.Remove(scriptFile)

	s, err := New(Config{
		Command:     "bash",
		Args:        []string{scriptFile},
		GracePeriod: 1 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create supervisor: %v", err)
	}

	pid, err := s.Start()
	if err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	// Give time for child processes to spawn
	time.Sleep(200 * time.Millisecond)

	beforeCount := countProcessGroup(pid)
	if beforeCount < 4 { // parent + 3 children
		t.Logf("Warning: Expected at least 4 processes in group, got %d", beforeCount)
	}

	// Stop should kill entire process group
	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop process: %v", err)
	}

	// Give more time for all processes to die
	time.Sleep(500 * time.Millisecond)

	if err := syscall.Kill(pid, 0); err == nil {
		t.Logf("Warning: Main process %d still exists after stop", pid)
	}

	afterCount := countProcessGroup(pid)
	if afterCount > 0 {
		// This might happen if ps shows zombies or timing issues
		t.Logf("Warning: Found %d processes in group after stop (might be zombies)", afterCount)
	}
}

// Helper function to count processes in a process group
func countProcessGroup(pgid int) int {
	cmd := exec.Command("ps", "-o", "pid,pgid", "-e")
	output, err := cmd.Output()
	if err != nil {
		return -1
	}

	count := 0
	lines := strings.Split(string(output), "\n")
	for i := 1; i < len(lines); i++ { // Skip header
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var pid, pg int
		if _, err := fmt.Sscanf(line, "%d %d", &pid, &pg); err == nil {
			if pg == pgid {
				count++
			}
		}
	}
	return count
}

// syncBuffer is a goroutine-safe bytes.Buffer for capturing process output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
