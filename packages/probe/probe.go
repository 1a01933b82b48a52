// Package probe implements TCP reachability checks against edge node
// ports and discovery of locally listening sockets. Checks are
// point-in-time observations; callers decide what to do with them.
package probe

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultTimeout bounds a single connection attempt.
const DefaultTimeout = 2 * time.Second

// Result is one reachability observation for a single port.
type Result struct {
	Port    int
	Open    bool
	Latency time.Duration
	At      time.Time
}

// Prober performs TCP connect checks with a hard per-attempt timeout.
type Prober struct {
	timeout time.Duration
}

// New creates a Prober. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{timeout: timeout}
}

// Timeout returns the per-attempt timeout.
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// Check attempts a TCP connection to host:port. A successful connect is
// immediately closed; the probe never writes to the socket.
func (p *Prober) Check(ctx context.Context, host string, port int) Result {
	dialer := net.Dialer{Timeout: p.timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	latency := time.Since(start)

	res := Result{
		Port:    port,
		Latency: latency,
		At:      start,
	}
	if err == nil {
		conn.Close()
		res.Open = true
	}
	return res
}

// CheckAll probes every port concurrently and returns results in the
// same order as the input.
func (p *Prober) CheckAll(ctx context.Context, host string, ports []int) []Result {
	results := make([]Result, len(ports))

	var wg sync.WaitGroup
	for i, port := range ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			results[i] = p.Check(ctx, host, port)
		}(i, port)
	}
	wg.Wait()

	return results
}
