package agent_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/internal/agent"
	"github.com/edgelens/edgelens/packages/remotecmd"
	"github.com/edgelens/edgelens/pkg/services"
)

// startAgent runs a and returns its error channel.
func startAgent(t *testing.T, ctx context.Context, a *agent.Agent) <-chan error {
	t.Helper()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	select {
	case <-a.Ready():
	case err := <-runErr:
		t.Fatalf("agent exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for agent to bind")
	}
	return runErr
}

func TestStatusAndServiceLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := agent.New(agent.Options{
		Listen: "127.0.0.1:0",
		LogDir: t.TempDir(),
		Services: []services.Service{
			{Name: "printer", Cmd: "sh", Args: []string{"-c", "echo ready; exec sleep 30"}},
		},
	})
	runErr := startAgent(t, ctx, a)
	client := edgelens.New("http://" + a.Addr().String())

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Version != edgelens.Version {
		t.Errorf("version = %q, want %q", status.Version, edgelens.Version)
	}
	if status.Hostname == "" {
		t.Error("hostname empty")
	}
	if len(status.Services) != 1 || status.Services[0].Name != "printer" {
		t.Fatalf("services = %+v", status.Services)
	}
	if status.Services[0].State != edgelens.ServiceStopped {
		t.Errorf("initial state = %s", status.Services[0].State)
	}

	// The agent's own port must show up in the listener scan
	_, portStr, err := net.SplitHostPort(a.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	if !slices.Contains(status.ListeningPorts, port) {
		t.Errorf("listening ports %v missing agent port %d", status.ListeningPorts, port)
	}

	svc, err := client.StartService(context.Background(), "printer")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if svc.State != edgelens.ServiceRunning {
		t.Fatalf("state after start = %s", svc.State)
	}
	if svc.PID <= 0 {
		t.Errorf("pid = %d", svc.PID)
	}
	if svc.StartedAt == nil {
		t.Error("started_at not set")
	}
	if svc.LogPath == "" {
		t.Error("log path empty")
	}

	// Service stdout becomes retrievable logs
	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err := client.ServiceLogs(context.Background(), "printer", 10)
		if err == nil && strings.Contains(out, "ready") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("logs never showed service output, last: %q err: %v", out, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := client.StopService(context.Background(), "printer"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for {
		svc, err := client.Service(context.Background(), "printer")
		if err != nil {
			t.Fatalf("get after stop: %v", err)
		}
		if svc.State == edgelens.ServiceStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service stuck in %s after stop", svc.State)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Stop is idempotent
	if _, err := client.StopService(context.Background(), "printer"); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestServiceExitCodeReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := agent.New(agent.Options{
		Listen: "127.0.0.1:0",
		LogDir: t.TempDir(),
		Services: []services.Service{
			{Name: "oneshot", Cmd: "sh", Args: []string{"-c", "exit 7"}},
		},
	})
	startAgent(t, ctx, a)
	client := edgelens.New("http://" + a.Addr().String())

	if _, err := client.StartService(context.Background(), "oneshot"); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		svc, err := client.Service(context.Background(), "oneshot")
		if err != nil {
			t.Fatal(err)
		}
		if svc.State == edgelens.ServiceFailed {
			if svc.ExitCode == nil || *svc.ExitCode != 7 {
				t.Errorf("exit code = %v, want 7", svc.ExitCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never reported failure, state %s", svc.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAuthToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := agent.New(agent.Options{Listen: "127.0.0.1:0", LogDir: t.TempDir(), Token: "sekrit"})
	startAgent(t, ctx, a)
	base := "http://" + a.Addr().String()

	if _, err := edgelens.New(base).Status(context.Background()); err == nil {
		t.Fatal("request without token succeeded")
	} else if apiErr := edgelens.IsAPIError(err); apiErr == nil || !apiErr.IsUnauthorized() {
		t.Fatalf("want unauthorized APIError, got %v", err)
	}

	if _, err := edgelens.NewClient(base, "wrong").Status(context.Background()); err == nil {
		t.Fatal("request with bad token succeeded")
	}

	if _, err := edgelens.NewClient(base, "sekrit").Status(context.Background()); err != nil {
		t.Fatalf("request with good token failed: %v", err)
	}

	// healthz stays open for probes
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestUploadAndExec(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := agent.New(agent.Options{Listen: "127.0.0.1:0", LogDir: t.TempDir()})
	startAgent(t, ctx, a)
	client := edgelens.New("http://" + a.Addr().String())

	local := t.TempDir()
	if err := os.MkdirAll(filepath.Join(local, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(local, "bin", "tool.sh"), []byte("#!/bin/sh\necho tool\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(local, "edgelens.yml"), []byte("edge:\n  host: 10.0.0.9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "deploy")
	deployer := edgelens.NewAgentDeployer(client, dest)
	if err := deployer.Transfer(context.Background(), local); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "bin", "tool.sh"))
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if !strings.Contains(string(got), "echo tool") {
		t.Errorf("uploaded content = %q", got)
	}
	info, err := os.Stat(filepath.Join(dest, "bin", "tool.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Errorf("executable bit lost, mode %v", info.Mode())
	}

	// Remote exec against the deployed tree
	out, err := deployer.RemoteExec(context.Background(), "cat "+dest+"/edgelens.yml")
	if err != nil {
		t.Fatalf("remote exec: %v", err)
	}
	if !strings.Contains(out, "10.0.0.9") {
		t.Errorf("remote exec output = %q", out)
	}

	// Working directory and environment options travel with the command
	cmd, err := client.CommandWith(context.Background(), &edgelens.ExecOptions{
		Dir: dest,
		Env: []string{"EDGE_TEST_VAR=acorn"},
	}, "sh", "-c", "pwd; printf %s $EDGE_TEST_VAR")
	if err != nil {
		t.Fatal(err)
	}
	combined, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("command: %v (output %q)", err, combined)
	}
	if !strings.Contains(string(combined), dest) || !strings.Contains(string(combined), "acorn") {
		t.Errorf("output = %q", combined)
	}

	// Non-zero exits surface as ExitError through the wrapper
	_, err = client.RemoteExec(context.Background(), "exit 3")
	var exitErr *remotecmd.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 {
		t.Errorf("want ExitError code 3, got %v", err)
	}
}

func TestUploadRejectsEscapes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := agent.New(agent.Options{Listen: "127.0.0.1:0", LogDir: t.TempDir()})
	startAgent(t, ctx, a)
	base := "http://" + a.Addr().String()

	dest := filepath.Join(t.TempDir(), "deploy")
	marker := filepath.Join(filepath.Dir(dest), "evil")

	post := func(t *testing.T, archive []byte, dest string) *http.Response {
		t.Helper()
		u := base + "/v1/upload?dest=" + url.QueryEscape(dest)
		resp, err := http.Post(u, "application/gzip", bytes.NewReader(archive))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("dotdot entry", func(t *testing.T) {
		archive := buildArchive(t, func(tw *tar.Writer) {
			writeEntry(t, tw, "../evil", "gotcha")
		})
		if resp := post(t, archive, dest); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		if _, err := os.Stat(marker); !os.IsNotExist(err) {
			t.Errorf("traversal entry escaped to %s", marker)
		}
	})

	t.Run("absolute entry", func(t *testing.T) {
		archive := buildArchive(t, func(tw *tar.Writer) {
			writeEntry(t, tw, "/tmp/evil-absolute", "gotcha")
		})
		if resp := post(t, archive, dest); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("escaping symlink", func(t *testing.T) {
		archive := buildArchive(t, func(tw *tar.Writer) {
			hdr := &tar.Header{Typeflag: tar.TypeSymlink, Name: "link", Linkname: "../../outside"}
			if err := tw.WriteHeader(hdr); err != nil {
				t.Fatal(err)
			}
		})
		if resp := post(t, archive, dest); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("relative dest", func(t *testing.T) {
		archive := buildArchive(t, func(tw *tar.Writer) {
			writeEntry(t, tw, "ok", "fine")
		})
		if resp := post(t, archive, "relative/dir"); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestServiceNotFound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := agent.New(agent.Options{
		Listen:   "127.0.0.1:0",
		LogDir:   t.TempDir(),
		Services: []services.Service{{Name: "real", Cmd: "sleep", Args: []string{"30"}}},
	})
	startAgent(t, ctx, a)
	client := edgelens.New("http://" + a.Addr().String())

	if _, err := client.Service(context.Background(), "ghost"); err == nil {
		t.Error("get of unknown service succeeded")
	} else if apiErr := edgelens.IsAPIError(err); apiErr == nil || !apiErr.IsNotFound() {
		t.Errorf("want not-found APIError, got %v", err)
	}

	if _, err := client.StartService(context.Background(), "ghost"); err == nil {
		t.Error("start of unknown service succeeded")
	}
	if _, err := client.ServiceLogs(context.Background(), "ghost", 5); err == nil {
		t.Error("logs of unknown service succeeded")
	}

	// Unknown action on a known service
	resp, err := http.Post("http://"+a.Addr().String()+"/v1/services/real/reload", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown action status = %d, want 400", resp.StatusCode)
	}
}

func TestServiceLogsTail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logDir := t.TempDir()
	a := agent.New(agent.Options{
		Listen: "127.0.0.1:0",
		LogDir: logDir,
		Services: []services.Service{
			{Name: "printer", Cmd: "sleep", Args: []string{"30"}},
			{Name: "idle", Cmd: "sleep", Args: []string{"30"}},
		},
	})
	startAgent(t, ctx, a)
	client := edgelens.New("http://" + a.Addr().String())

	var log bytes.Buffer
	for i := 1; i <= 30; i++ {
		log.WriteString("line " + strconv.Itoa(i) + "\n")
	}
	if err := os.WriteFile(filepath.Join(logDir, "services", "printer.log"), log.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := client.ServiceLogs(context.Background(), "printer", 5)
	if err != nil {
		t.Fatal(err)
	}
	want := "line 26\nline 27\nline 28\nline 29\nline 30\n"
	if out != want {
		t.Errorf("tail = %q, want %q", out, want)
	}

	// Never-run service has no log yet; that is an empty tail, not an error
	out, err = client.ServiceLogs(context.Background(), "idle", 5)
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("idle tail = %q, want empty", out)
	}
}

func buildArchive(t *testing.T, fill func(*tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	fill(tw)
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeEntry(t *testing.T, tw *tar.Writer, name, content string) {
	t.Helper()
	hdr := &tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
}
