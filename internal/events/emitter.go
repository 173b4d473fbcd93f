package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Listener handles an event synchronously. Listeners registered for the same
// event type are invoked in registration order.
type Listener func(event Event)

// StreamPublisher appends events to a durable stream for external consumers.
// Publication is best-effort: the emitter logs and swallows failures so that
// stream outages never affect workflow execution.
type StreamPublisher interface {
	// Append writes an event to the durable stream.
	Append(ctx context.Context, event Event) error
}

// Emitter dispatches events to in-process listeners and, when configured,
// mirrors them to a local Bus and a durable StreamPublisher.
//
// Local listener dispatch is synchronous and ordered. Bus and stream
// publication are best-effort.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]listenerEntry
	nextID    int64
	bus       Bus
	stream    StreamPublisher
	logger    *slog.Logger
}

// listenerEntry pairs a listener with the handle used to remove it.
type listenerEntry struct {
	id int64
	fn Listener
}

// EmitterOption is a functional option for configuring an Emitter.
type EmitterOption func(*Emitter)

// WithBus mirrors every emitted event onto the given bus.
func WithBus(bus Bus) EmitterOption {
	return func(e *Emitter) {
		e.bus = bus
	}
}

// WithStreamPublisher mirrors every emitted event onto a durable stream.
// Append failures are logged and swallowed.
func WithStreamPublisher(stream StreamPublisher) EmitterOption {
	return func(e *Emitter) {
		e.stream = stream
	}
}

// WithEmitterLogger sets the structured logger used for stream failures.
func WithEmitterLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmitter creates an Emitter with the given options.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		listeners: make(map[EventType][]listenerEntry),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// On registers a listener for the given event type. Listeners are invoked
// synchronously in registration order when a matching event is emitted.
// The returned function removes the listener; long-lived emitters should
// call it when the listener is no longer needed.
func (e *Emitter) On(eventType EventType, listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[eventType] = append(e.listeners[eventType], listenerEntry{id: id, fn: listener})
	e.mu.Unlock()

	return func() { e.removeListener(eventType, id) }
}

// removeListener drops the listener registered under id, if still present.
func (e *Emitter) removeListener(eventType EventType, id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[eventType]
	for i, entry := range entries {
		if entry.id == id {
			e.listeners[eventType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit dispatches an event. A zero Timestamp is stamped with the current
// time. Listeners run first, then the bus and stream mirrors.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := e.listeners[event.Type]
	bus := e.bus
	stream := e.stream
	e.mu.RUnlock()

	for _, entry := range listeners {
		entry.fn(event)
	}

	if bus != nil {
		if err := bus.Publish(ctx, event); err != nil {
			e.logger.Warn("event bus publish failed",
				"event_type", event.Type,
				"workflow_id", event.WorkflowID,
				"error", err)
		}
	}

	if stream != nil {
		if err := stream.Append(ctx, event); err != nil {
			e.logger.Warn("durable stream append failed",
				"event_type", event.Type,
				"workflow_id", event.WorkflowID,
				"error", err)
		}
	}
}

// WaitForEvent blocks until an event of the given type is emitted or the
// timeout elapses. Returns the event and true on success, or a zero event
// and false on timeout. The temporary listener is removed either way.
// Primarily useful in tests and CLI tooling.
func (e *Emitter) WaitForEvent(eventType EventType, timeout time.Duration) (Event, bool) {
	ch := make(chan Event, 1)
	remove := e.On(eventType, func(event Event) {
		select {
		case ch <- event:
		default:
		}
	})
	defer remove()

	select {
	case event := <-ch:
		return event, true
	case <-time.After(timeout):
		return Event{}, false
	}
}
