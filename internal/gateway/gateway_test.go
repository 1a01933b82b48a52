package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/internal/gateway"
	"github.com/edgelens/edgelens/pkg/camera"
	"github.com/edgelens/edgelens/pkg/mjpeg"
)

// tickingUpstream serves tagged frames at ~100fps until the connection or
// the server dies.
func tickingUpstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		w.Header().Set("Content-Type", mjpeg.ContentType)
		w.WriteHeader(http.StatusOK)
		fl.Flush()

		mw := mjpeg.NewWriter(w)
		for i := 0; ; i++ {
			if err := mw.WriteFrame(camera.MakeTestFrame(i)); err != nil {
				return
			}
			fl.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
}

func startGateway(t *testing.T, ctx context.Context, g *gateway.Gateway) <-chan error {
	t.Helper()
	runErr := make(chan error, 1)
	go func() { runErr <- g.Run(ctx) }()
	select {
	case <-g.Ready():
	case err := <-runErr:
		t.Fatalf("gateway exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never became ready")
	}
	return runErr
}

func TestForwardingIsolation(t *testing.T) {
	upRaw := tickingUpstream()
	defer upRaw.Close()
	upAnnotated := tickingUpstream()
	defer upAnnotated.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	g := gateway.New(gateway.Options{
		Listen: "127.0.0.1:0",
		Streams: []gateway.Upstream{
			{Name: "raw", Kind: edgelens.StreamRaw, URL: upRaw.URL},
			{Name: "annotated", Kind: edgelens.StreamAnnotated, URL: upAnnotated.URL},
		},
		DialTimeout:   time.Second,
		RetryInterval: 100 * time.Millisecond,
	})
	runErr := startGateway(t, ctx, g)
	base := "http://" + g.Addr().String()

	resp, err := http.Get(base + "/streams/annotated")
	if err != nil {
		t.Fatalf("connect annotated: %v", err)
	}
	defer resp.Body.Close()

	r := mjpeg.NewReader(resp.Body)
	for i := 0; i < 3; i++ {
		if _, err := r.ReadFrame(); err != nil {
			t.Fatalf("annotated frame %d: %v", i, err)
		}
	}

	// Take the raw upstream down hard, mid-stream.
	upRaw.CloseClientConnections()
	upRaw.Close()

	// The annotated client must see no interruption.
	for i := 0; i < 10; i++ {
		if _, err := r.ReadFrame(); err != nil {
			t.Fatalf("annotated frame after raw outage: %v", err)
		}
	}

	// Status converges: raw down, annotated up.
	deadline := time.Now().Add(3 * time.Second)
	for {
		var status edgelens.GatewayStatus
		sresp, err := http.Get(base + "/status")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if err := json.NewDecoder(sresp.Body).Decode(&status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		sresp.Body.Close()

		byName := map[string]edgelens.StreamInfo{}
		for _, s := range status.Streams {
			byName[s.Name] = s
		}
		if !byName["raw"].Connected && byName["annotated"].Connected {
			if byName["annotated"].Frames == 0 {
				t.Error("annotated frames counter never moved")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never converged: %+v", status.Streams)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run after cancel = %v", err)
	}
}

func TestFrameOrderPreservedPerClient(t *testing.T) {
	up := tickingUpstream()
	defer up.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g := gateway.New(gateway.Options{
		Listen: "127.0.0.1:0",
		Streams: []gateway.Upstream{
			{Name: "raw", Kind: edgelens.StreamRaw, URL: up.URL},
		},
		RetryInterval: 100 * time.Millisecond,
	})
	runErr := startGateway(t, ctx, g)

	resp, err := http.Get("http://" + g.Addr().String() + "/streams/raw")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	r := mjpeg.NewReader(resp.Body)
	last := -1
	for i := 0; i < 10; i++ {
		frame, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		tag, ok := camera.FrameTag(frame)
		if !ok {
			t.Fatalf("frame %d not tagged", i)
		}
		if tag <= last {
			t.Fatalf("tag %d arrived after %d", tag, last)
		}
		last = tag
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run after cancel = %v", err)
	}
}

func TestUnknownStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := gateway.New(gateway.Options{Listen: "127.0.0.1:0"})
	runErr := startGateway(t, ctx, g)

	resp, err := http.Get("http://" + g.Addr().String() + "/streams/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	var apiErr edgelens.APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.ErrorCode != edgelens.ErrCodeServiceNotFound {
		t.Errorf("error code = %q", apiErr.ErrorCode)
	}

	cancel()
	<-runErr
}

func TestPromptProxy(t *testing.T) {
	var got string
	infer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/prompt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prompt":"forklift"}`))
	}))
	defer infer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := gateway.New(gateway.Options{
		Listen:          "127.0.0.1:0",
		InferCommandURL: infer.URL,
	})
	runErr := startGateway(t, ctx, g)

	resp, err := http.Post(
		"http://"+g.Addr().String()+"/prompt",
		"application/json",
		strings.NewReader(`{"prompt":"forklift"}`),
	)
	if err != nil {
		t.Fatalf("POST /prompt: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got != `{"prompt":"forklift"}` {
		t.Errorf("forwarded body = %q", got)
	}
	if !strings.Contains(string(body), "forklift") {
		t.Errorf("relayed response = %q", body)
	}

	cancel()
	<-runErr
}
