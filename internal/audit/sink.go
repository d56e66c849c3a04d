package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/drip/internal/store"
)

const (
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 5 * time.Second
)

// EventWriter persists audit events; store.Store satisfies it.
type EventWriter interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// SinkConfig wires an AsyncSink. Writer and Hub are both optional.
type SinkConfig struct {
	Writer       EventWriter
	Hub          EventHub
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// AsyncSink queues events and writes them from a single goroutine. Emit
// never blocks: when the queue is full the event is dropped and logged.
type AsyncSink struct {
	writer       EventWriter
	hub          EventHub
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan *store.Event
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncSink starts the writer goroutine. Call Close to drain and stop it.
func NewAsyncSink(cfg SinkConfig) *AsyncSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	s := &AsyncSink{
		writer:       cfg.Writer,
		hub:          cfg.Hub,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
		queue:        make(chan *store.Event, cfg.QueueSize),
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues ev. It satisfies the dispatcher's event sink.
func (s *AsyncSink) Emit(ctx context.Context, ev *store.Event) {
	if ev == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(ctx, ev, "sink closed")
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.drop(ctx, ev, "queue full")
	}
}

// AppendEvent is Emit behind the store's signature, so the sink can stand in
// for the store as a state machine event appender. It never returns an error.
func (s *AsyncSink) AppendEvent(ctx context.Context, ev *store.Event) error {
	s.Emit(ctx, ev)
	return nil
}

func (s *AsyncSink) drop(ctx context.Context, ev *store.Event, reason string) {
	s.dropped.Add(1)
	s.logger.WarnContext(ctx, "audit event dropped",
		slog.String("reason", reason),
		slog.String("event_type", ev.Type),
		slog.String("tenant_id", ev.TenantID),
		slog.String("subscriber_state_id", ev.SubscriberStateID),
	)
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.queue {
		s.write(ev)
	}
}

func (s *AsyncSink) write(ev *store.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if s.writer != nil {
		if err := s.writer.AppendEvent(ctx, ev); err != nil {
			s.failed.Add(1)
			s.logger.WarnContext(ctx, "audit event write failed",
				slog.String("event_type", ev.Type), slog.String("error", err.Error()))
		}
	}
	if s.hub != nil {
		_ = s.hub.Publish(ctx, ev)
	}
}

// Close stops accepting events and waits until queued ones are written or
// ctx ends.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events discarded without being written.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Failed returns the number of events whose write returned an error.
func (s *AsyncSink) Failed() int64 { return s.failed.Load() }
