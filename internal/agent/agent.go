// Package agent runs the edge node control plane. The agent owns the
// worker processes through a service manager and exposes them over a
// token-guarded HTTP API: status and lifecycle actions, log retrieval,
// command execution over a websocket channel, and deployment uploads.
// The supervisor and CLI talk to it through the edgelens client.
package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/services"
	"github.com/edgelens/edgelens/pkg/tap"
)

// Options configure an Agent.
type Options struct {
	// Listen is the control API address, e.g. ":9010".
	Listen string

	// Token guards the API. Empty disables authentication, which is only
	// sane on a trusted local network.
	Token string

	// LogDir is where managed services write their stdout logs.
	LogDir string

	// Services are the worker definitions registered at startup.
	Services []services.Service

	// StopGrace bounds SIGTERM-to-SIGKILL when stopping a service.
	StopGrace time.Duration

	// Grace bounds shutdown of the HTTP listener. Defaults to 5s.
	Grace time.Duration
}

// Agent serves the edge control API.
type Agent struct {
	opts    Options
	manager *services.Manager

	mu        sync.Mutex
	addr      net.Addr
	startedAt time.Time
	ready     chan struct{}
}

// New creates an Agent. Call Run to bind and serve.
func New(opts Options) *Agent {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	return &Agent{
		opts:  opts,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (a *Agent) Ready() <-chan struct{} { return a.ready }

// Addr returns the bound address, nil before Ready.
func (a *Agent) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run binds the control API and serves until ctx is cancelled. Startup
// failures (port bind, service registration) return immediately with an
// error naming the failed stage. Managed services are stopped on the way
// out.
func (a *Agent) Run(ctx context.Context) error {
	logger := tap.Logger(ctx).With("component", "agent")
	ctx = tap.WithLogger(ctx, logger)

	ln, err := net.Listen("tcp", a.opts.Listen)
	if err != nil {
		return edgelens.BindError(a.opts.Listen, err)
	}

	mgrOpts := []services.Option{services.WithLogDir(a.opts.LogDir)}
	if a.opts.StopGrace > 0 {
		mgrOpts = append(mgrOpts, services.WithStopGrace(a.opts.StopGrace))
	}
	mgr, err := services.NewManager(mgrOpts...)
	if err != nil {
		ln.Close()
		return fmt.Errorf("service manager: %w", err)
	}
	for i := range a.opts.Services {
		if err := mgr.Register(&a.opts.Services[i]); err != nil {
			ln.Close()
			mgr.Close()
			return fmt.Errorf("register %s: %w", a.opts.Services[i].Name, err)
		}
	}
	a.manager = mgr

	reaper := newReaper(logger)
	reaper.Start()

	a.mu.Lock()
	a.addr = ln.Addr()
	a.startedAt = time.Now()
	a.mu.Unlock()
	close(a.ready)

	logger.Info("agent up",
		"listen", ln.Addr().String(),
		"services", len(a.opts.Services),
		"auth", a.opts.Token != "")

	srv := &http.Server{
		Handler:     a.routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve %s: %w", ln.Addr(), err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.Grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		return nil
	})

	err = g.Wait()

	if serr := mgr.Close(); serr != nil {
		logger.Error("service manager shutdown failed", "error", serr)
	}
	reaper.Stop(2 * time.Second)
	return err
}

// routes wires the control API. Everything under /v1 requires the bearer
// token; /healthz stays open for probes.
func (a *Agent) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /v1/status", a.handleStatus)
	api.HandleFunc("GET /v1/services", a.handleListServices)
	api.HandleFunc("GET /v1/services/{name}", a.handleGetService)
	api.HandleFunc("POST /v1/services/{name}/{action}", a.handleServiceAction)
	api.HandleFunc("GET /v1/logs/{name}", a.handleLogs)
	api.HandleFunc("GET /v1/exec", a.handleExec)
	api.HandleFunc("POST /v1/upload", a.handleUpload)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.Handle("/v1/", a.authenticate(api))
	return mux
}

// authenticate rejects requests that do not carry the configured bearer
// token.
func (a *Agent) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if a.opts.Token == "" {
			next.ServeHTTP(rw, r)
			return
		}
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) != a.opts.Token {
			writeError(rw, http.StatusUnauthorized, edgelens.ErrCodeUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(rw, r)
	})
}
