package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventKind labels the granular events the handler emits for observability
// and routing.
type EventKind string

// Event kinds.
const (
	EventMessageRouted   EventKind = "message_routed"
	EventParseError      EventKind = "parse_error"
	EventValidationError EventKind = "validation_error"
	EventProcessingError EventKind = "processing_error"
	EventMessageSent     EventKind = "message_sent"
	EventSendError       EventKind = "send_error"
)

// Event is one routed message or error notification. Message is only set for
// message_routed and message_sent events.
type Event struct {
	Kind    EventKind
	ConnID  string
	Message *Message
	Err     string
	TS      time.Time
}

// Sink consumes batches of protocol events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// HubConfig controls buffering for the event hub.
type HubConfig struct {
	BufferSize  int
	MaxBatch    int
	MaxWait     time.Duration
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultHubBuffer      = 4096
	defaultHubMaxBatch    = 256
	defaultHubMaxWait     = 250 * time.Millisecond
	defaultHubSinkTimeout = 10 * time.Second
)

// Hub fans protocol events out to registered sinks from a single background
// goroutine, so persistence writes never block message processing. Emit never
// blocks; events are dropped (and counted) when the buffer is full.
type Hub struct {
	cfg     HubConfig
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

// NewHub starts the fan-out goroutine and returns a ready Hub.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultHubBuffer
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultHubMaxBatch
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultHubMaxWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultHubSinkTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.run()
	return h
}

// Emit enqueues an event without blocking the caller.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	select {
	case h.events <- evt:
	default:
		if h.dropped.Add(1)%1000 == 1 {
			h.logger.Warn("protocol events dropped due to backpressure",
				zap.Int64("dropped_total", h.dropped.Load()))
		}
	}
}

// Dropped reports how many events were discarded under backpressure.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close drains buffered events, flushes and closes sinks, and waits for the
// background goroutine to exit.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatch)
	ticker := time.NewTicker(h.cfg.MaxWait)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		h.dispatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-h.stopCh:
			for {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatch {
						flush()
					}
				default:
					flush()
					h.closeSinks()
					return
				}
			}
		}
	}
}

func (h *Hub) dispatch(batch []Event) {
	out := make([]Event, len(batch))
	copy(out, batch)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("protocol sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
	defer cancel()
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("protocol sink close failed", zap.Error(err))
		}
	}
}
