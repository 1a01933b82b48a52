package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestDemoPassesFramesThrough(t *testing.T) {
	d := NewDemo("a person")
	defer d.Close()

	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	res, err := d.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if !bytes.Equal(res.Annotated, frame) {
		t.Error("Demo detector modified the frame")
	}
	if len(res.Detections) != 0 {
		t.Errorf("Demo detector reported %d detections, want 0", len(res.Detections))
	}
}

func TestDemoPrompt(t *testing.T) {
	d := NewDemo("a person")

	if got := d.Prompt(); got != "a person" {
		t.Errorf("Prompt() = %q, want 'a person'", got)
	}

	if err := d.SetPrompt("  a red car "); err != nil {
		t.Fatalf("SetPrompt failed: %v", err)
	}
	if got := d.Prompt(); got != "a red car" {
		t.Errorf("Prompt() after set = %q, want 'a red car'", got)
	}
}

func TestDemoRespectsCancelledContext(t *testing.T) {
	d := NewDemo("")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Detect(ctx, []byte{0xFF, 0xD8}); err == nil {
		t.Error("Expected error from cancelled context")
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher

	p.Publish(Event{Stream: "annotated", Seq: 1})
	if got := p.Dropped(); got != 0 {
		t.Errorf("Dropped() on nil publisher = %d, want 0", got)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() on nil publisher = %v, want nil", err)
	}
}

func TestNewPublisherRequiresBrokers(t *testing.T) {
	if p := NewPublisher(PublisherConfig{Topic: "detections"}); p != nil {
		t.Error("Expected nil publisher without brokers")
	}
}

// stallingWriter blocks every write until its context is cancelled,
// simulating an unreachable broker.
type stallingWriter struct{}

func (w *stallingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (w *stallingWriter) Close() error { return nil }

// recordingWriter captures every message it is handed.
type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	// The delivery loop wedges on the first event; one more fits in
	// the queue, everything else must be dropped without blocking.
	p := newPublisher(&stallingWriter{}, slog.Default(), 1)
	defer p.Close()

	start := time.Now()
	for i := 0; i < 20; i++ {
		p.Publish(Event{Stream: "annotated", Seq: uint64(i), CapturedAt: time.Now()})
	}
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("Publishing 20 events took %v, expected near-instant", elapsed)
	}
	if got := p.Dropped(); got < 18 {
		t.Errorf("Dropped() = %d, want at least 18", got)
	}
}

func TestPublisherDeliversEvents(t *testing.T) {
	w := &recordingWriter{}
	p := newPublisher(w, slog.Default(), 8)
	defer p.Close()

	p.Publish(Event{Stream: "annotated", Seq: 7, CapturedAt: time.Now(),
		Detections: []Detection{{Label: "person", Confidence: 0.92, Box: [4]int{1, 2, 3, 4}}}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.messages()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	msgs := w.messages()
	if len(msgs) != 1 {
		t.Fatalf("Got %d messages, want 1", len(msgs))
	}
	if string(msgs[0].Key) != "annotated" {
		t.Errorf("Message key = %q, want 'annotated' (stream name)", msgs[0].Key)
	}

	var ev Event
	if err := json.Unmarshal(msgs[0].Value, &ev); err != nil {
		t.Fatalf("Failed to unmarshal published event: %v", err)
	}
	if ev.Seq != 7 || len(ev.Detections) != 1 || ev.Detections[0].Label != "person" {
		t.Errorf("Published event mismatch: %+v", ev)
	}
	if p.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", p.Dropped())
	}
}

func TestPublisherCloseIsPrompt(t *testing.T) {
	p := newPublisher(&stallingWriter{}, slog.Default(), 4)

	p.Publish(Event{Stream: "annotated", Seq: 1, CapturedAt: time.Now()})

	start := time.Now()
	if err := p.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Close took %v, expected prompt return", elapsed)
	}

	// Double close is fine
	if err := p.Close(); err != nil {
		t.Errorf("Second Close returned error: %v", err)
	}
}
