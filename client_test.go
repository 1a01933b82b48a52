package edgelens

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestClientOptions(t *testing.T) {
	client := New("http://10.0.0.2:9010/", WithToken("test-token"))
	if client.baseURL != "http://10.0.0.2:9010" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", client.baseURL)
	}
	if client.token != "test-token" {
		t.Errorf("token = %q, want %q", client.token, "test-token")
	}

	client = NewClient("http://localhost:9010", "tok")
	if client.baseURL != "http://localhost:9010" || client.token != "tok" {
		t.Errorf("NewClient = %q/%q", client.baseURL, client.token)
	}
}

func TestClientAuthHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]ServiceInfo{})
	}))
	defer server.Close()

	client := New(server.URL, WithToken("sekrit"))
	if _, err := client.Services(context.Background()); err != nil {
		t.Fatalf("Services: %v", err)
	}
	if gotAuth != "Bearer sekrit" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer sekrit")
	}
}

func TestServiceActions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/services", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ServiceInfo{
			{Name: "capture", State: ServiceStopped},
			{Name: "infer", State: ServiceRunning, PID: 41},
		})
	})
	mux.HandleFunc("POST /v1/services/capture/start", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ServiceInfo{Name: "capture", State: ServiceRunning, PID: 42})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := New(server.URL)
	ctx := context.Background()

	services, err := client.Services(ctx)
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(services) != 2 || services[0].Name != "capture" {
		t.Fatalf("Services = %+v", services)
	}

	svc, err := client.StartService(ctx, "capture")
	if err != nil {
		t.Fatalf("StartService: %v", err)
	}
	if svc.State != ServiceRunning || svc.PID != 42 {
		t.Errorf("StartService = %+v", svc)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   ErrCodeServiceNotFound,
			"message": "no service named bogus",
		})
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.Service(context.Background(), "bogus")
	if err == nil {
		t.Fatal("expected error")
	}

	apiErr := IsAPIError(err)
	if apiErr == nil {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if !apiErr.IsNotFound() {
		t.Errorf("IsNotFound() = false for %+v", apiErr)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Error(), "bogus") {
		t.Errorf("Error() = %q, want message text", apiErr.Error())
	}
}

func TestServiceLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/logs/capture" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("lines") != "25" {
			t.Errorf("lines = %q", r.URL.Query().Get("lines"))
		}
		io.WriteString(w, "line one\nline two\n")
	}))
	defer server.Close()

	out, err := New(server.URL).ServiceLogs(context.Background(), "capture", 25)
	if err != nil {
		t.Fatalf("ServiceLogs: %v", err)
	}
	if out != "line one\nline two\n" {
		t.Errorf("logs = %q", out)
	}
}

func TestAgentDeployerTransfer(t *testing.T) {
	extracted := t.TempDir()
	var gotDest string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDest = r.URL.Query().Get("dest")
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("tar: %v", err)
				return
			}
			target := filepath.Join(extracted, hdr.Name)
			switch hdr.Typeflag {
			case tar.TypeDir:
				os.MkdirAll(target, 0o755)
			case tar.TypeReg:
				os.MkdirAll(filepath.Dir(target), 0o755)
				f, err := os.Create(target)
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				io.Copy(f, tr)
				f.Close()
			}
		}
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "bin", "edgelens-capture"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "edgelens.yml"), []byte("log_dir: logs\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewAgentDeployer(New(server.URL), "/opt/edgelens")
	if err := d.Transfer(context.Background(), src); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if gotDest != "/opt/edgelens" {
		t.Errorf("dest = %q", gotDest)
	}

	data, err := os.ReadFile(filepath.Join(extracted, "bin", "edgelens-capture"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != "#!/bin/sh\n" {
		t.Errorf("extracted content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(extracted, "edgelens.yml")); err != nil {
		t.Errorf("extracted config missing: %v", err)
	}
}

func TestTransferErrors(t *testing.T) {
	d := NewAgentDeployer(New("http://127.0.0.1:1"), "/opt/edgelens")

	err := d.Transfer(context.Background(), filepath.Join(t.TempDir(), "missing"))
	var terr *TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransferError, got %T: %v", err, err)
	}

	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.Transfer(context.Background(), file); !errors.As(err, &terr) {
		t.Fatalf("expected *TransferError for non-dir, got %v", err)
	}
}
