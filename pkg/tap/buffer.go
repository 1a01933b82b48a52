package tap

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured log record.
type LogEntry struct {
	Time     time.Time      `json:"time"`
	Level    slog.Level     `json:"-"`
	LevelStr string         `json:"level"`
	Message  string         `json:"msg"`
	Tag      string         `json:"tag,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// LogBuffer is a fixed-size ring buffer of recent LogEntry items.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	size     int
	head     int // next write index
}

func newLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LogBuffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

func (b *LogBuffer) append(e LogEntry) {
	b.mu.Lock()
	b.entries[b.head] = e
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
	b.mu.Unlock()
}

// Snapshot returns up to limit latest entries at or above minLevel. A
// non-empty tag restricts the result to entries carrying that tag. Newest
// entries come first.
func (b *LogBuffer) Snapshot(limit int, minLevel slog.Level, tag string) []LogEntry {
	if b == nil {
		return nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > b.capacity {
		limit = b.capacity
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.size && len(result) < limit; i++ {
		idx := (b.head - 1 - i + b.capacity) % b.capacity
		e := b.entries[idx]
		if e.Level < minLevel {
			continue
		}
		if tag != "" && e.Tag != tag {
			continue
		}
		result = append(result, e)
	}

	return result
}

// bufferHandler is an slog.Handler that writes records into a LogBuffer.
// The "tag" attribute, when present, is lifted out of the attrs so entries
// can be filtered by component.
type bufferHandler struct {
	buffer      *LogBuffer
	attrs       []slog.Attr
	groupPrefix string
}

func newBufferHandler(buf *LogBuffer) *bufferHandler {
	return &bufferHandler{buffer: buf}
}

func (h *bufferHandler) Enabled(_ context.Context, _ slog.Level) bool {
	// Capture all levels; filtering is applied at read time
	return true
}

func (h *bufferHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	for _, a := range h.attrs {
		addAttr(attrs, h.groupPrefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.groupPrefix, a)
		return true
	})

	var tag string
	if v, ok := attrs["tag"]; ok {
		if s, ok2 := v.(string); ok2 {
			tag = s
		}
		delete(attrs, "tag")
	}

	h.buffer.append(LogEntry{
		Time:     r.Time,
		Level:    r.Level,
		LevelStr: r.Level.String(),
		Message:  r.Message,
		Tag:      tag,
		Attrs:    attrs,
	})
	return nil
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &bufferHandler{
		buffer:      h.buffer,
		attrs:       make([]slog.Attr, len(h.attrs)+len(attrs)),
		groupPrefix: h.groupPrefix,
	}
	copy(nh.attrs, h.attrs)
	copy(nh.attrs[len(h.attrs):], attrs)
	return nh
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &bufferHandler{
		buffer:      h.buffer,
		attrs:       append([]slog.Attr(nil), h.attrs...),
		groupPrefix: joinGroup(h.groupPrefix, name),
	}
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	// Resolve value first (handles lazy attrs)
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	switch a.Value.Kind() {
	case slog.KindGroup:
		for _, ga := range a.Value.Group() {
			addAttr(dst, key, ga)
		}
	default:
		dst[key] = a.Value.Any()
	}
}

func joinGroup(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
