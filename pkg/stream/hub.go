// Package stream distributes frames from one producer to many consumers.
//
// Each subscriber has its own buffered mailbox: frames arrive in publish
// order and are dropped (counted, never reordered) when a consumer falls
// behind, so one stalled client can never stall the producer or its peers.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frame is one captured image moving through the system. Data is immutable
// after hand-off to Publish.
type Frame struct {
	Data       []byte
	Seq        uint64
	CapturedAt time.Time
}

// Stats is a point-in-time snapshot of hub activity.
type Stats struct {
	Frames      uint64
	Drops       uint64
	Subscribers int
	LastFrameAt time.Time
}

const defaultBufferSize = 16

type subscriber struct {
	ch    chan *Frame
	drops uint64
}

// Hub fans frames out to subscribers.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	bufSize int
	closed  bool

	seq       uint64
	frames    uint64
	drops     uint64
	lastFrame time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets each subscriber's mailbox depth.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:    make(map[string]*subscriber),
		bufSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers f to every subscriber without blocking. The hub assigns
// the frame's sequence number. Publishing to a closed hub is a no-op.
func (h *Hub) Publish(f *Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.seq++
	f.Seq = h.seq
	h.frames++
	h.lastFrame = time.Now()

	for _, s := range h.subs {
		select {
		case s.ch <- f:
		default:
			s.drops++
			h.drops++
		}
	}
}

// Subscribe registers a new consumer and returns its id and mailbox. The
// channel is closed on Unsubscribe or hub Close; buffered frames remain
// readable, so a consumer always sees an ordered prefix of the stream
// followed by a clean close.
func (h *Hub) Subscribe() (string, <-chan *Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	s := &subscriber{ch: make(chan *Frame, h.bufSize)}
	if h.closed {
		// Late subscriber to a closed hub gets an immediately-closed channel.
		close(s.ch)
		return id, s.ch
	}
	h.subs[id] = s
	return id, s.ch
}

// Unsubscribe removes a consumer. Safe to call for unknown ids and after
// Close.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Close shuts the hub down: all mailboxes are closed and later Publish
// calls are ignored. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{
		Frames:      h.frames,
		Drops:       h.drops,
		Subscribers: len(h.subs),
		LastFrameAt: h.lastFrame,
	}
}
