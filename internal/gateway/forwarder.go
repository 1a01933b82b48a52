package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/mjpeg"
	"github.com/edgelens/edgelens/pkg/stream"
	"github.com/edgelens/edgelens/pkg/tap"
)

// Forwarder relays one upstream MJPEG stream into its own hub. Forwarders
// share nothing: an upstream outage stalls exactly one hub and its clients.
type Forwarder struct {
	name     string
	kind     edgelens.StreamKind
	upstream string
	hub      *stream.Hub

	dialTimeout   time.Duration
	retryInterval time.Duration

	mu        sync.Mutex
	connected bool
	lastErr   string
}

// NewForwarder creates a forwarder for one upstream stream endpoint.
func NewForwarder(name string, kind edgelens.StreamKind, upstream string, dialTimeout, retryInterval time.Duration) *Forwarder {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &Forwarder{
		name:          name,
		kind:          kind,
		upstream:      upstream,
		hub:           stream.NewHub(),
		dialTimeout:   dialTimeout,
		retryInterval: retryInterval,
	}
}

// Run relays frames until ctx is cancelled. Upstream failures mark the
// stream down and retry at a fixed interval; they never propagate.
func (f *Forwarder) Run(ctx context.Context) {
	logger := tap.Logger(ctx).With("stream", f.name, "upstream", f.upstream)
	defer f.hub.Close()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: f.dialTimeout}).DialContext,
			ResponseHeaderTimeout: f.dialTimeout,
		},
	}

	for {
		err := f.relayOnce(ctx, client, logger)
		if ctx.Err() != nil {
			return
		}
		f.setDown(err)
		logger.Warn("upstream lost, retrying", "error", err, "retry_in", f.retryInterval.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retryInterval):
		}
	}
}

// relayOnce holds one upstream connection: dial, then publish every
// complete frame until the connection dies.
func (f *Forwarder) relayOnce(ctx context.Context, client *http.Client, logger *slog.Logger) error {
	req, err := http.NewRequestWithContext(ctx, "GET", f.upstream, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	f.setConnected()
	logger.Info("upstream connected")

	r := mjpeg.NewReader(resp.Body)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return err
		}
		f.hub.Publish(&stream.Frame{Data: frame, CapturedAt: time.Now()})
	}
}

func (f *Forwarder) setConnected() {
	f.mu.Lock()
	f.connected = true
	f.lastErr = ""
	f.mu.Unlock()
}

func (f *Forwarder) setDown(err error) {
	f.mu.Lock()
	f.connected = false
	if err != nil {
		f.lastErr = err.Error()
	}
	f.mu.Unlock()
}

// Subscribe attaches a client mailbox to this stream's hub.
func (f *Forwarder) Subscribe() (string, <-chan *stream.Frame) {
	return f.hub.Subscribe()
}

// Unsubscribe detaches a client mailbox.
func (f *Forwarder) Unsubscribe(id string) {
	f.hub.Unsubscribe(id)
}

// Info reports this stream's state for the status endpoint.
func (f *Forwarder) Info() edgelens.StreamInfo {
	stats := f.hub.Stats()

	f.mu.Lock()
	defer f.mu.Unlock()
	info := edgelens.StreamInfo{
		Name:      f.name,
		Kind:      f.kind,
		Upstream:  f.upstream,
		Connected: f.connected,
		Frames:    stats.Frames,
		Clients:   stats.Subscribers,
		LastError: f.lastErr,
	}
	if !stats.LastFrameAt.IsZero() {
		at := stats.LastFrameAt
		info.LastFrameAt = &at
	}
	return info
}
