package events

import (
	"context"
	"sync"
)

// StoredEvent is an event with its position in the stream. Sequence numbers
// are monotonically increasing and start at 1.
type StoredEvent struct {
	Sequence uint64
	Event    Event
}

// Stream is a durable, replayable event log. Append is best-effort from the
// emitter's point of view; ReadFrom lets a consumer resume after the last
// sequence it processed.
type Stream interface {
	StreamPublisher

	// ReadFrom returns all stored events with a sequence strictly greater
	// than after, in append order.
	ReadFrom(ctx context.Context, after uint64) ([]StoredEvent, error)
}

// MemoryStream is an in-process Stream backed by a slice. It never fails
// and keeps every appended event until the process exits.
type MemoryStream struct {
	mu     sync.RWMutex
	events []StoredEvent
	seq    uint64
}

var _ Stream = (*MemoryStream)(nil)

// NewMemoryStream creates an empty in-memory event stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{}
}

// Append stores the event and assigns it the next sequence number.
func (s *MemoryStream) Append(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.events = append(s.events, StoredEvent{Sequence: s.seq, Event: event})
	return nil
}

// ReadFrom returns every stored event after the given sequence.
func (s *MemoryStream) ReadFrom(ctx context.Context, after uint64) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []StoredEvent
	for _, stored := range s.events {
		if stored.Sequence > after {
			out = append(out, stored)
		}
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Replay invokes handler for each stored event after the given sequence and
// returns the sequence of the last event delivered. Handler errors stop the
// replay.
func Replay(ctx context.Context, stream Stream, after uint64, handler func(StoredEvent) error) (uint64, error) {
	stored, err := stream.ReadFrom(ctx, after)
	if err != nil {
		return after, err
	}
	last := after
	for _, event := range stored {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if err := handler(event); err != nil {
			return last, err
		}
		last = event.Sequence
	}
	return last, nil
}
