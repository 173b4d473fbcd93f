package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchingPublisher wraps a StreamPublisher and appends events in batches.
// A batch is flushed when it reaches the configured size or when the flush
// interval elapses, whichever comes first. Failed appends are logged and
// dropped, matching the best-effort contract of the underlying stream.
type BatchingPublisher struct {
	mu       sync.Mutex
	pending  []Event
	stream   StreamPublisher
	size     int
	interval time.Duration
	logger   *slog.Logger
	ticker   *time.Ticker
	done     chan struct{}
	closed   bool
}

// BatchOption configures a BatchingPublisher.
type BatchOption func(*BatchingPublisher)

// WithBatchSize sets the flush threshold. Default: 32 events.
func WithBatchSize(size int) BatchOption {
	return func(b *BatchingPublisher) {
		if size > 0 {
			b.size = size
		}
	}
}

// WithFlushInterval sets the maximum time events sit in the buffer before
// a flush. Default: 2 seconds.
func WithFlushInterval(interval time.Duration) BatchOption {
	return func(b *BatchingPublisher) {
		if interval > 0 {
			b.interval = interval
		}
	}
}

// WithBatchLogger sets the structured logger used for flush failures.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchingPublisher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBatchingPublisher wraps stream with size- and interval-based batching.
// Close must be called to stop the flush timer and drain pending events.
func NewBatchingPublisher(stream StreamPublisher, opts ...BatchOption) *BatchingPublisher {
	b := &BatchingPublisher{
		stream:   stream,
		size:     32,
		interval: 2 * time.Second,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.ticker = time.NewTicker(b.interval)
	go b.flushLoop()

	return b
}

// Append buffers the event, flushing if the batch threshold is reached.
func (b *BatchingPublisher) Append(ctx context.Context, event Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.pending = append(b.pending, event)
	shouldFlush := len(b.pending) >= b.size
	b.mu.Unlock()

	if shouldFlush {
		b.Flush(ctx)
	}
	return nil
}

// Flush appends all pending events to the underlying stream. Events that
// fail to append are logged and dropped.
func (b *BatchingPublisher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, event := range batch {
		if err := b.stream.Append(ctx, event); err != nil {
			b.logger.Warn("batched stream append failed",
				"event_type", event.Type,
				"workflow_id", event.WorkflowID,
				"error", err)
		}
	}
}

// Close stops the flush timer and drains any pending events.
func (b *BatchingPublisher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.ticker.Stop()
	close(b.done)
	b.Flush(context.Background())
	return nil
}

func (b *BatchingPublisher) flushLoop() {
	for {
		select {
		case <-b.ticker.C:
			b.Flush(context.Background())
		case <-b.done:
			return
		}
	}
}

// Ensure BatchingPublisher implements StreamPublisher at compile time.
var _ StreamPublisher = (*BatchingPublisher)(nil)
