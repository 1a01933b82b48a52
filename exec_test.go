package edgelens_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/packages/remotecmd"
)

// fakeAgentExec serves /v1/exec the way the edge agent does: command and
// args come from query parameters.
func fakeAgentExec(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/exec", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		name := q.Get("cmd")
		if name == "" {
			http.Error(w, "missing cmd", http.StatusBadRequest)
			return
		}
		cmd := remotecmd.NewServerCommandContext(r.Context(), name, q["arg"]...)
		if q.Get("tty") == "true" {
			cmd.SetTTY(true)
		}
		if dir := q.Get("dir"); dir != "" {
			cmd.SetWorkingDir(dir)
		}
		if err := cmd.Handle(w, r); err != nil {
			t.Logf("exec handle: %v", err)
		}
	})
	return httptest.NewServer(mux)
}

func TestClientCommand(t *testing.T) {
	server := fakeAgentExec(t)
	defer server.Close()

	client := edgelens.New(server.URL, edgelens.WithToken("test-token"))

	cmd, err := client.Command(context.Background(), "echo", "over", "the", "wire")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "over the wire" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRemoteExecCombinedOutput(t *testing.T) {
	server := fakeAgentExec(t)
	defer server.Close()

	client := edgelens.New(server.URL)

	out, err := client.RemoteExec(context.Background(), "echo out; echo err >&2")
	if err != nil {
		t.Fatalf("RemoteExec: %v", err)
	}
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Errorf("combined output = %q", out)
	}
}

func TestRemoteExecFailure(t *testing.T) {
	server := fakeAgentExec(t)
	defer server.Close()

	client := edgelens.New(server.URL)

	_, err := client.RemoteExec(context.Background(), "exit 7")
	if err == nil {
		t.Fatal("expected error")
	}

	var execErr *edgelens.RemoteExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *RemoteExecError, got %T: %v", err, err)
	}
	var exitErr *remotecmd.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 7 {
		t.Fatalf("expected wrapped *ExitError code 7, got %v", err)
	}
}

func TestRemoteExecUnreachable(t *testing.T) {
	client := edgelens.New("http://127.0.0.1:1")

	_, err := client.RemoteExec(context.Background(), "true")
	var execErr *edgelens.RemoteExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *RemoteExecError, got %T: %v", err, err)
	}
}
