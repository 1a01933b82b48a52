package remotecmd_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgelens/edgelens/packages/remotecmd"
)

// newTestRequest builds a client request against an httptest server,
// rewriting the scheme for WebSocket.
func newTestRequest(t *testing.T, serverURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("GET", serverURL+"/v1/exec", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.URL.Scheme = "ws"
	return req
}

func TestBasicEchoCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := remotecmd.NewServerCommand("echo", "hello", "world")
		if err := cmd.Handle(w, r); err != nil {
			t.Errorf("Server handle error: %v", err)
		}
	}))
	defer server.Close()

	var stdout bytes.Buffer
	cmd := remotecmd.Command(newTestRequest(t, server.URL), "echo", "hello", "world")
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "hello world" {
		t.Errorf("Expected 'hello world', got %q", output)
	}

	if code := cmd.ExitCode(); code != 0 {
		t.Errorf("Expected exit code 0, got %d", code)
	}
}

func TestStdinPipeWithCat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := remotecmd.NewServerCommand("cat")
		if err := cmd.Handle(w, r); err != nil {
			t.Errorf("Server handle error: %v", err)
		}
	}))
	defer server.Close()

	stdin := strings.NewReader("test input\nanother line\n")
	var stdout bytes.Buffer

	cmd := remotecmd.Command(newTestRequest(t, server.URL), "cat")
	cmd.Stdin = stdin
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	if stdout.String() != "test input\nanother line\n" {
		t.Errorf("Expected 'test input\\nanother line\\n', got %q", stdout.String())
	}
}

func TestStderrSeparation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := remotecmd.NewServerCommand("sh", "-c", "echo stdout; echo stderr >&2")
		if err := cmd.Handle(w, r); err != nil {
			t.Errorf("Server handle error: %v", err)
		}
	}))
	defer server.Close()

	var stdout, stderr bytes.Buffer
	cmd := remotecmd.Command(newTestRequest(t, server.URL), "sh")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	if strings.TrimSpace(stdout.String()) != "stdout" {
		t.Errorf("Expected 'stdout' on stdout, got %q", stdout.String())
	}
	if strings.TrimSpace(stderr.String()) != "stderr" {
		t.Errorf("Expected 'stderr' on stderr, got %q", stderr.String())
	}
}

func TestNonZeroExit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := remotecmd.NewServerCommand("sh", "-c", "exit 3")
		if err := cmd.Handle(w, r); err != nil {
			t.Errorf("Server handle error: %v", err)
		}
	}))
	defer server.Close()

	cmd := remotecmd.Command(newTestRequest(t, server.URL), "sh")
	cmd.Stdout = &bytes.Buffer{}

	err := cmd.Run()
	if err == nil {
		t.Fatal("Expected error for non-zero exit")
	}

	var exitErr *remotecmd.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected *ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Expected exit code 3, got %d", exitErr.Code)
	}
	if code := cmd.ExitCode(); code != 3 {
		t.Errorf("ExitCode() = %d, want 3", code)
	}
}

func TestCombinedOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := remotecmd.NewServerCommand("sh", "-c", "echo one; echo two >&2")
		if err := cmd.Handle(w, r); err != nil {
			t.Errorf("Server handle error: %v", err)
		}
	}))
	defer server.Close()

	cmd := remotecmd.Command(newTestRequest(t, server.URL), "sh")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("CombinedOutput failed: %v", err)
	}

	if !strings.Contains(string(out), "one") || !strings.Contains(string(out), "two") {
		t.Errorf("Combined output missing streams: %q", out)
	}
}

func TestMissingBinary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := remotecmd.NewServerCommand("/nonexistent/binary-xyz")
		if err := cmd.Handle(w, r); err != nil {
			t.Errorf("Server handle error: %v", err)
		}
	}))
	defer server.Close()

	cmd := remotecmd.Command(newTestRequest(t, server.URL), "/nonexistent/binary-xyz")
	cmd.Stdout = &bytes.Buffer{}

	err := cmd.Run()
	if err == nil {
		t.Fatal("Expected error for missing binary")
	}

	var remoteErr *remotecmd.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("Expected *RemoteError, got %T: %v", err, err)
	}
}

func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := remotecmd.NewServerCommand("sleep", "10")
		if err := cmd.Handle(w, r); err != nil {
			// Expected to be cancelled
			t.Logf("Server handle error (expected): %v", err)
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cmd := remotecmd.CommandContext(ctx, newTestRequest(t, server.URL), "sleep", "10")
	cmd.Stdout = &bytes.Buffer{}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		t.Error("Expected timeout error")
	}
	if err != nil && !strings.Contains(err.Error(), "context") {
		t.Errorf("Expected context error, got: %v", err)
	}

	// Should take around 200ms, not 10s
	if duration > 1*time.Second {
		t.Errorf("Command took too long: %v", duration)
	}
}

func TestPTYEcho(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := remotecmd.NewServerCommand("echo", "pty-check").
			SetTTY(true).
			SetInitialTerminalSize(80, 24)
		if err := cmd.Handle(w, r); err != nil {
			t.Errorf("Server handle error: %v", err)
		}
	}))
	defer server.Close()

	var stdout bytes.Buffer
	cmd := remotecmd.Command(newTestRequest(t, server.URL), "echo", "pty-check")
	cmd.Tty = true
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	if !strings.Contains(stdout.String(), "pty-check") {
		t.Errorf("PTY output missing, got %q", stdout.String())
	}
	if code := cmd.ExitCode(); code != 0 {
		t.Errorf("Expected exit code 0, got %d", code)
	}
}
