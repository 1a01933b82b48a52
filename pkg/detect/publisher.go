package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is one detection observation published to the event bus.
type Event struct {
	Stream     string      `json:"stream"`
	Seq        uint64      `json:"seq"`
	CapturedAt time.Time   `json:"captured_at"`
	Prompt     string      `json:"prompt,omitempty"`
	Detections []Detection `json:"detections"`
}

// PublisherConfig configures the Kafka detection publisher.
type PublisherConfig struct {
	Brokers   []string
	Topic     string
	QueueSize int // default 256
	Logger    *slog.Logger
}

// messageWriter is the sink side of the publisher, satisfied by
// *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher pushes detection events to Kafka. Publishing is decoupled
// from the inference loop by a bounded queue: when the queue is full
// the event is dropped and counted, so a slow or absent broker never
// stalls frame serving. A nil Publisher drops everything silently.
type Publisher struct {
	writer  messageWriter
	logger  *slog.Logger
	queue   chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	closed  sync.Once
	dropped atomic.Uint64
}

// NewPublisher creates a Publisher and starts its delivery loop. The
// returned Publisher is nil when no brokers are configured.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    1, // Send immediately for real-time events
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Compression:  kafka.Gzip,
	}

	return newPublisher(writer, cfg.Logger, cfg.QueueSize)
}

func newPublisher(writer messageWriter, logger *slog.Logger, queueSize int) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		writer: writer,
		logger: logger,
		queue:  make(chan Event, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	go p.run()

	return p
}

// Publish enqueues an event without blocking. Full queue drops the
// event and bumps the drop counter.
func (p *Publisher) Publish(ev Event) {
	if p == nil {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped due to backpressure.
func (p *Publisher) Dropped() uint64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

// Close stops the delivery loop and closes the writer. In-flight
// writes are cancelled.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var err error
	p.closed.Do(func() {
		p.cancel()
		err = p.writer.Close()
	})
	return err
}

func (p *Publisher) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.queue:
			if err := p.send(ev); err != nil {
				p.logger.Warn("failed to publish detection event",
					"stream", ev.Stream, "seq", ev.Seq, "error", err)
			}
		}
	}
}

func (p *Publisher) send(ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(ev.Stream), // Partition by stream for per-stream ordering
		Value: value,
		Time:  ev.CapturedAt,
	}

	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}
