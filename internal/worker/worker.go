// Package worker runs the edge serving loops. One worker owns one stream:
// it reads a camera Source, optionally runs detection, and serves the
// frames as MJPEG to any number of concurrent clients. The capture and
// inference binaries are thin wrappers around this package.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/camera"
	"github.com/edgelens/edgelens/pkg/detect"
	"github.com/edgelens/edgelens/pkg/stream"
	"github.com/edgelens/edgelens/pkg/tap"
)

// reopenAfterFailures is how many consecutive transient capture failures
// trigger a fresh device handle.
const reopenAfterFailures = 10

// fpsLogInterval is how often the capture loop reports throughput.
const fpsLogInterval = 5 * time.Second

// Options configure a Worker.
type Options struct {
	// Name identifies the stream in logs and events ("raw", "annotated").
	Name string

	// Device is the camera ref, e.g. "synthetic:?fps=15" or
	// "mjpeg://127.0.0.1:9001".
	Device string

	// Listen is the MJPEG serving address, e.g. ":9001".
	Listen string

	// Detector annotates frames when set; nil serves frames as captured.
	Detector detect.Detector

	// Publisher receives detection events. Nil disables publishing.
	Publisher *detect.Publisher

	// CommandListen serves the command API (POST /prompt) when non-empty.
	CommandListen string

	// Grace bounds shutdown of the HTTP listeners. Defaults to 5s.
	Grace time.Duration
}

// Worker captures one stream and serves it over HTTP.
type Worker struct {
	opts Options
	hub  *stream.Hub

	mu      sync.Mutex
	addr    net.Addr
	cmdAddr net.Addr
	ready   chan struct{}
}

// New creates a Worker. Call Run to bind and serve.
func New(opts Options) *Worker {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	return &Worker{
		opts:  opts,
		hub:   stream.NewHub(),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the listeners are bound.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Addr returns the bound stream address, nil before Ready.
func (w *Worker) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr
}

// CommandAddr returns the bound command API address, nil before Ready or
// when no command API is configured.
func (w *Worker) CommandAddr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cmdAddr
}

// Stats reports hub counters for the served stream.
func (w *Worker) Stats() stream.Stats { return w.hub.Stats() }

// Run opens the device, binds the listeners and serves until ctx is
// cancelled. Startup failures (device open, port bind) return immediately
// with an error naming the failed stage; runtime device loss returns an
// error wrapping camera.ErrDeviceUnavailable.
func (w *Worker) Run(ctx context.Context) error {
	logger := tap.Logger(ctx).With("stream", w.opts.Name)
	ctx = tap.WithLogger(ctx, logger)

	src, err := camera.Open(w.opts.Device)
	if err != nil {
		return fmt.Errorf("open device %s: %w", w.opts.Device, err)
	}

	ln, err := net.Listen("tcp", w.opts.Listen)
	if err != nil {
		src.Close()
		return edgelens.BindError(w.opts.Listen, err)
	}

	var cmdLn net.Listener
	if w.opts.CommandListen != "" {
		cmdLn, err = net.Listen("tcp", w.opts.CommandListen)
		if err != nil {
			ln.Close()
			src.Close()
			return edgelens.BindError(w.opts.CommandListen, err)
		}
	}

	w.mu.Lock()
	w.addr = ln.Addr()
	if cmdLn != nil {
		w.cmdAddr = cmdLn.Addr()
	}
	w.mu.Unlock()
	close(w.ready)

	logger.Info("worker up",
		"listen", ln.Addr().String(),
		"device", w.opts.Device,
		"annotating", w.opts.Detector != nil)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer w.hub.Close()
		return w.captureLoop(ctx, src)
	})

	w.runServer(g, ctx, &http.Server{
		Handler:     w.streamHandler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}, ln)

	if cmdLn != nil {
		w.runServer(g, ctx, &http.Server{
			Handler:     w.commandHandler(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		}, cmdLn)
	}

	return g.Wait()
}

// runServer serves ln until ctx is done, then shuts down within the grace
// period, force-closing stragglers.
func (w *Worker) runServer(g *errgroup.Group, ctx context.Context, srv *http.Server, ln net.Listener) {
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve %s: %w", ln.Addr(), err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.opts.Grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		return nil
	})
}

// captureLoop owns the Source: it reads frames, runs detection when
// configured, and publishes to the hub. It returns nil on cancellation and
// an error when the device is gone for good.
func (w *Worker) captureLoop(ctx context.Context, src camera.Source) error {
	logger := tap.Logger(ctx)
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	var (
		consecutive int
		frames      uint64
		lastCount   uint64
		lastLog     = time.Now()
	)

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch {
			case camera.IsTransient(err):
				consecutive++
				logger.Warn("capture failed", "error", err, "consecutive", consecutive)
				if consecutive < reopenAfterFailures {
					continue
				}
				logger.Warn("reopening device after repeated capture failures", "failures", consecutive)
			case errors.Is(err, camera.ErrEndOfStream):
				logger.Info("source ended, reopening device")
			default:
				return fmt.Errorf("capture %s: %w", w.opts.Name, err)
			}

			if src, err = w.reopen(src); err != nil {
				return err
			}
			consecutive = 0
			continue
		}
		consecutive = 0

		out := frame
		var detections []detect.Detection
		if w.opts.Detector != nil {
			out, detections = w.annotate(ctx, frame)
		}
		w.hub.Publish(out)
		frames++

		if len(detections) > 0 && w.opts.Publisher != nil {
			w.opts.Publisher.Publish(detect.Event{
				Stream:     w.opts.Name,
				Seq:        out.Seq,
				CapturedAt: out.CapturedAt,
				Prompt:     w.prompt(),
				Detections: detections,
			})
		}

		if since := time.Since(lastLog); since >= fpsLogInterval {
			stats := w.hub.Stats()
			logger.Info("stream stats",
				"fps", fmt.Sprintf("%.1f", float64(frames-lastCount)/since.Seconds()),
				"frames", stats.Frames,
				"clients", stats.Subscribers,
				"drops", stats.Drops)
			lastCount = frames
			lastLog = time.Now()
		}
	}
}

// reopen swaps the exhausted handle for a fresh one. The old slot must be
// released before the new open or the registry reports the device busy.
func (w *Worker) reopen(old camera.Source) (camera.Source, error) {
	old.Close()
	src, err := camera.Open(w.opts.Device)
	if err != nil {
		return nil, fmt.Errorf("reopen device %s: %w", w.opts.Device, err)
	}
	return src, nil
}

// annotate runs detection on one frame. Inference failures forward the
// original frame so the stream stays live.
func (w *Worker) annotate(ctx context.Context, frame *stream.Frame) (*stream.Frame, []detect.Detection) {
	res, err := w.opts.Detector.Detect(ctx, frame.Data)
	if err != nil {
		tap.Logger(ctx).Warn("inference failed, forwarding unannotated frame", "error", err)
		return frame, nil
	}
	out := &stream.Frame{Data: res.Annotated, CapturedAt: frame.CapturedAt}
	if len(out.Data) == 0 {
		out.Data = frame.Data
	}
	return out, res.Detections
}

func (w *Worker) prompt() string {
	if pg, ok := w.opts.Detector.(interface{ Prompt() string }); ok {
		return pg.Prompt()
	}
	return ""
}
