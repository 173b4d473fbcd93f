package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Bus distributes events to subscribers with filtering support.
//
// Thread Safety:
//   - All methods are safe for concurrent use
//   - Multiple goroutines can publish and subscribe simultaneously
//   - Non-blocking publish prevents slow subscribers from affecting publishers
//
// Slow Consumer Handling:
//   - Subscribers receive events through buffered channels
//   - If a subscriber's buffer is full, events are dropped for that subscriber
//   - Other subscribers are not affected by slow consumers
//   - Dropped events are reported via the error handler
type Bus interface {
	// Publish sends an event to all matching subscribers.
	// Returns an error only if the bus is closed.
	// Never blocks on slow subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription with optional filtering.
	// Returns a channel for receiving events and a cleanup function.
	// The cleanup function must be called to prevent resource leaks.
	//
	// Pass Filter{} to receive all events. bufferSize 0 uses the bus default.
	Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func())

	// Close shuts down the bus and all subscriptions.
	// After Close returns, Publish will return an error.
	Close() error
}

// LocalBus implements Bus with buffered channels and non-blocking sends.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	options     *busOptions
	closed      bool
}

// subscription represents a single subscriber with filtering and lifecycle management.
type subscription struct {
	id       string
	ch       chan Event
	filter   Filter
	ctx      context.Context
	cancel   context.CancelFunc
	created  time.Time
	received atomic.Int64
	dropped  atomic.Int64
}

// busOptions holds configuration for LocalBus.
type busOptions struct {
	defaultBufferSize int
	errorHandler      ErrorHandler
}

// ErrorHandler is called when an error occurs during bus operations,
// most commonly when an event is dropped for a slow subscriber.
type ErrorHandler func(err error, context map[string]interface{})

// BusOption is a functional option for configuring LocalBus.
type BusOption func(*busOptions)

// WithDefaultBufferSize sets the default buffer size for subscriber channels.
// This is used when Subscribe is called with bufferSize=0.
// Default: 100 events.
func WithDefaultBufferSize(size int) BusOption {
	return func(opts *busOptions) {
		if size > 0 {
			opts.defaultBufferSize = size
		}
	}
}

// WithErrorHandler sets the error handler for bus operations.
// Default: no-op handler.
func WithErrorHandler(handler ErrorHandler) BusOption {
	return func(opts *busOptions) {
		if handler != nil {
			opts.errorHandler = handler
		}
	}
}

// NewBus creates a new LocalBus with the given options.
//
// Example:
//
//	bus := NewBus(
//		WithDefaultBufferSize(500),
//		WithErrorHandler(func(err error, ctx map[string]interface{}) {
//			logger.Warn("event bus error", "error", err)
//		}),
//	)
//	defer bus.Close()
func NewBus(opts ...BusOption) *LocalBus {
	options := &busOptions{
		defaultBufferSize: 100,
		errorHandler:      noopErrorHandler,
	}

	for _, opt := range opts {
		opt(options)
	}

	return &LocalBus{
		subscribers: make(map[string]*subscription),
		options:     options,
	}
}

// Publish sends an event to all matching subscribers.
//
// The event is sent to subscribers whose filters match the event's attributes.
// If a subscriber's channel is full, the event is dropped for that subscriber
// to prevent blocking the publisher or other subscribers.
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscribers {
		// Subscriber context cancelled, cleanup happens in unsubscribe
		select {
		case <-sub.ctx.Done():
			continue
		default:
		}

		if !sub.filter.Matches(event) {
			continue
		}

		select {
		case sub.ch <- event:
			sub.received.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Channel full, drop the event for this slow subscriber
			sub.dropped.Add(1)
			b.options.errorHandler(
				fmt.Errorf("dropped event for slow subscriber"),
				map[string]interface{}{
					"subscriber_id": sub.id,
					"event_type":    event.Type,
					"workflow_id":   event.WorkflowID,
					"unit_id":       event.UnitID,
				},
			)
		}
	}

	return nil
}

// Subscribe creates a new subscription with optional filtering.
//
// The returned channel receives events matching the filter criteria.
// The cleanup function must be called to unsubscribe and prevent resource leaks.
//
// Example:
//
//	ch, cleanup := bus.Subscribe(ctx, Filter{
//		Types: []EventType{EventUnitCompleted, EventUnitFailed},
//	}, 0)
//	defer cleanup()
//
//	for event := range ch {
//		// Process event
//	}
func (b *LocalBus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = b.options.defaultBufferSize
	}

	subscriberID := generateSubscriberID()
	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		id:      subscriberID,
		ch:      make(chan Event, bufferSize),
		filter:  filter,
		ctx:     subCtx,
		cancel:  cancel,
		created: time.Now(),
	}

	b.subscribers[subscriberID] = sub

	cleanup := func() {
		b.unsubscribe(subscriberID)
	}

	return sub.ch, cleanup
}

// unsubscribe removes a subscription and closes its channel.
func (b *LocalBus) unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[subscriberID]
	if !exists {
		return
	}

	sub.cancel()
	close(sub.ch)
	delete(b.subscribers, subscriberID)
}

// Close shuts down the bus and closes all subscriber channels.
//
// Close is idempotent; multiple calls are safe.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for id, sub := range b.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(b.subscribers, id)
	}

	return nil
}

// SubscriberCount returns the current number of active subscribers.
// Useful for monitoring and testing.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// generateSubscriberID generates a unique subscriber ID.
// Uses timestamp + counter for uniqueness and readability.
var (
	subscriberCounter uint64
	subscriberMutex   sync.Mutex
)

func generateSubscriberID() string {
	subscriberMutex.Lock()
	defer subscriberMutex.Unlock()
	subscriberCounter++
	return fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), subscriberCounter)
}

// noopErrorHandler is the default error handler that does nothing.
func noopErrorHandler(err error, context map[string]interface{}) {}

// Ensure LocalBus implements Bus at compile time.
var _ Bus = (*LocalBus)(nil)
