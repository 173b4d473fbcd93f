package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/types"
)

func TestLocalBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{}, 10)
	defer cleanup()

	workflowID := types.NewID()
	err := bus.Publish(ctx, Event{
		Type:       EventWorkflowStarted,
		Timestamp:  time.Now(),
		WorkflowID: workflowID,
	})
	require.NoError(t, err)

	select {
	case event := <-ch:
		assert.Equal(t, EventWorkflowStarted, event.Type)
		assert.Equal(t, workflowID, event.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestLocalBus_FilterByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{
		Types: []EventType{EventUnitFailed},
	}, 10)
	defer cleanup()

	require.NoError(t, bus.Publish(ctx, Event{Type: EventUnitStarted, UnitID: "hero"}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventUnitFailed, UnitID: "hero"}))

	select {
	case event := <-ch:
		assert.Equal(t, EventUnitFailed, event.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case event := <-ch:
		t.Fatalf("unexpected extra event: %v", event.Type)
	default:
	}
}

func TestLocalBus_FilterByWorkflowAndUnit(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	target := types.NewID()
	other := types.NewID()

	ch, cleanup := bus.Subscribe(ctx, Filter{
		WorkflowID: target,
		UnitID:     "navigation",
	}, 10)
	defer cleanup()

	require.NoError(t, bus.Publish(ctx, Event{Type: EventUnitCompleted, WorkflowID: other, UnitID: "navigation"}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventUnitCompleted, WorkflowID: target, UnitID: "footer"}))
	require.NoError(t, bus.Publish(ctx, Event{Type: EventUnitCompleted, WorkflowID: target, UnitID: "navigation"}))

	select {
	case event := <-ch:
		assert.Equal(t, target, event.WorkflowID)
		assert.Equal(t, "navigation", event.UnitID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}
	assert.Empty(t, ch)
}

func TestLocalBus_SlowSubscriberDropsEvents(t *testing.T) {
	var (
		mu      sync.Mutex
		dropped int
	)
	bus := NewBus(WithErrorHandler(func(err error, ctx map[string]interface{}) {
		mu.Lock()
		dropped++
		mu.Unlock()
	}))
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{}, 1)
	defer cleanup()

	// One event fits in the buffer, the rest are dropped. The subscriber
	// never reads, so the publisher must not block.
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, Event{Type: EventUnitStarted}))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, dropped)
	assert.Len(t, ch, 1)
}

func TestLocalBus_Close(t *testing.T) {
	bus := NewBus()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{}, 10)
	defer cleanup()

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close(), "close should be idempotent")

	err := bus.Publish(ctx, Event{Type: EventWorkflowStarted})
	assert.Error(t, err)

	_, open := <-ch
	assert.False(t, open, "subscriber channel should be closed")
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestLocalBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(WithDefaultBufferSize(1000))
	defer bus.Close()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx, Filter{}, 1000)
	defer cleanup()

	const publishers = 10
	const perPublisher = 50

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_ = bus.Publish(ctx, Event{
					Type:   EventUnitCompleted,
					UnitID: fmt.Sprintf("unit-%d-%d", p, i),
				})
			}
		}(p)
	}
	wg.Wait()

	assert.Len(t, ch, publishers*perPublisher)
}

func TestFilter_Matches(t *testing.T) {
	workflowID := types.NewID()

	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{
			name:   "empty filter matches everything",
			filter: Filter{},
			event:  Event{Type: EventUnitStarted},
			want:   true,
		},
		{
			name:   "type match",
			filter: Filter{Types: []EventType{EventUnitStarted, EventUnitFailed}},
			event:  Event{Type: EventUnitFailed},
			want:   true,
		},
		{
			name:   "type mismatch",
			filter: Filter{Types: []EventType{EventUnitStarted}},
			event:  Event{Type: EventUnitCompleted},
			want:   false,
		},
		{
			name:   "workflow mismatch",
			filter: Filter{WorkflowID: workflowID},
			event:  Event{Type: EventUnitStarted, WorkflowID: types.NewID()},
			want:   false,
		},
		{
			name:   "unit mismatch",
			filter: Filter{UnitID: "hero"},
			event:  Event{Type: EventUnitStarted, UnitID: "footer"},
			want:   false,
		},
		{
			name:   "all criteria match",
			filter: Filter{Types: []EventType{EventUnitStarted}, WorkflowID: workflowID, UnitID: "hero"},
			event:  Event{Type: EventUnitStarted, WorkflowID: workflowID, UnitID: "hero"},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.event))
		})
	}
}
