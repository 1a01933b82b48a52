// Package gateway implements the browser-facing relay. It pulls MJPEG
// streams off the edge workers, fans each one out through its own hub, and
// re-serves them over HTTP alongside a status API and the prompt proxy.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/edgelens/edgelens"
	"github.com/edgelens/edgelens/pkg/mjpeg"
	"github.com/edgelens/edgelens/pkg/tap"
)

// promptProxyTimeout bounds the round trip to the inference command API.
const promptProxyTimeout = 5 * time.Second

// Upstream names one edge stream the gateway relays.
type Upstream struct {
	Name string
	Kind edgelens.StreamKind
	URL  string
}

// Options configure the gateway.
type Options struct {
	// Listen is the browser-facing address, e.g. ":7860".
	Listen string

	// Streams are the upstream feeds to relay.
	Streams []Upstream

	// DialTimeout bounds each upstream connect. Defaults to 5s.
	DialTimeout time.Duration

	// RetryInterval is the fixed wait between upstream reconnects.
	// Defaults to 5s.
	RetryInterval time.Duration

	// InferCommandURL is the inference worker's command API base; empty
	// disables the prompt proxy.
	InferCommandURL string

	// Grace bounds shutdown. Defaults to 5s.
	Grace time.Duration
}

// Gateway relays edge streams to browsers.
type Gateway struct {
	opts       Options
	forwarders []*Forwarder
	byName     map[string]*Forwarder
	startedAt  time.Time

	promptClient *http.Client

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New creates a Gateway. Call Run to bind and serve.
func New(opts Options) *Gateway {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	g := &Gateway{
		opts:         opts,
		byName:       make(map[string]*Forwarder, len(opts.Streams)),
		promptClient: &http.Client{Timeout: promptProxyTimeout},
		ready:        make(chan struct{}),
	}
	for _, u := range opts.Streams {
		f := NewForwarder(u.Name, u.Kind, u.URL, opts.DialTimeout, opts.RetryInterval)
		g.forwarders = append(g.forwarders, f)
		g.byName[u.Name] = f
	}
	return g
}

// Ready is closed once the listener is bound.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr returns the bound address, nil before Ready.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Run binds the web listener, starts all forwarders and serves until ctx
// is cancelled. A bind failure returns immediately.
func (g *Gateway) Run(ctx context.Context) error {
	logger := tap.Logger(ctx)

	ln, err := net.Listen("tcp", g.opts.Listen)
	if err != nil {
		return edgelens.BindError(g.opts.Listen, err)
	}

	g.mu.Lock()
	g.addr = ln.Addr()
	g.startedAt = time.Now()
	g.mu.Unlock()
	close(g.ready)

	logger.Info("gateway up", "listen", ln.Addr().String(), "streams", len(g.forwarders))

	eg, ctx := errgroup.WithContext(ctx)

	for _, f := range g.forwarders {
		eg.Go(func() error {
			f.Run(ctx)
			return nil
		})
	}

	srv := &http.Server{
		Handler:     g.router(ctx),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve %s: %w", ln.Addr(), err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.Grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		return nil
	})

	return eg.Wait()
}

// router builds the gin HTTP surface.
func (g *Gateway) router(ctx context.Context) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(ctx))

	r.GET("/", g.handleIndex)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/status", g.handleStatus)
	r.GET("/streams/:name", g.handleStream)
	r.POST("/prompt", g.handlePrompt)
	return r
}

// requestLog logs each request through the context logger. Stream relays
// log on disconnect, which doubles as a session-duration record.
func requestLog(ctx context.Context) gin.HandlerFunc {
	logger := tap.Logger(ctx)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond).String(),
			"remote", c.ClientIP())
	}
}

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><title>edgelens</title></head>
<body>
<h1>edgelens</h1>
{{range .}}
<div>
<h2>{{.Name}}</h2>
<img src="/streams/{{.Name}}" alt="{{.Name}}">
</div>
{{end}}
<p><a href="/status">status</a></p>
</body>
</html>
`))

func (g *Gateway) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(c.Writer, g.opts.Streams); err != nil {
		c.Status(http.StatusInternalServerError)
	}
}

func (g *Gateway) handleStatus(c *gin.Context) {
	infos := make([]edgelens.StreamInfo, 0, len(g.forwarders))
	for _, f := range g.forwarders {
		infos = append(infos, f.Info())
	}

	g.mu.Lock()
	startedAt := g.startedAt
	g.mu.Unlock()

	c.JSON(http.StatusOK, edgelens.GatewayStatus{
		Version:   edgelens.Version,
		StartedAt: startedAt,
		Streams:   infos,
	})
}

// handleStream relays one stream to one client. The subscription mailbox
// isolates this client; the handler is the only writer on the connection.
func (g *Gateway) handleStream(c *gin.Context) {
	f, ok := g.byName[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, &edgelens.APIError{
			ErrorCode: edgelens.ErrCodeServiceNotFound,
			Message:   fmt.Sprintf("no stream named %q", c.Param("name")),
		})
		return
	}

	id, frames := f.Subscribe()
	defer f.Unsubscribe(id)

	c.Header("Content-Type", mjpeg.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	mw := mjpeg.NewWriter(c.Writer)
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case fr, ok := <-frames:
			if !ok {
				return
			}
			if err := mw.WriteFrame(fr.Data); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// handlePrompt forwards the request body to the inference worker's command
// API and relays its response.
func (g *Gateway) handlePrompt(c *gin.Context) {
	if g.opts.InferCommandURL == "" {
		c.JSON(http.StatusBadGateway, &edgelens.APIError{
			ErrorCode: edgelens.ErrCodeBadRequest,
			Message:   "no inference command endpoint configured",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<10))
	if err != nil {
		c.JSON(http.StatusBadRequest, &edgelens.APIError{
			ErrorCode: edgelens.ErrCodeBadRequest,
			Message:   "unreadable request body",
		})
		return
	}

	url := strings.TrimRight(g.opts.InferCommandURL, "/") + "/prompt"
	req, err := http.NewRequestWithContext(c.Request.Context(), "POST", url, bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusInternalServerError, &edgelens.APIError{
			ErrorCode: edgelens.ErrCodeInternal,
			Message:   err.Error(),
		})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.promptClient.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, &edgelens.APIError{
			ErrorCode: edgelens.ErrCodeInternal,
			Message:   "inference worker unreachable",
			Detail:    err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		c.JSON(http.StatusBadGateway, &edgelens.APIError{
			ErrorCode: edgelens.ErrCodeInternal,
			Message:   "bad response from inference worker",
		})
		return
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), out)
}
