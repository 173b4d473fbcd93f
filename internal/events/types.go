package events

import (
	"time"

	"github.com/loomhq/loom/internal/types"
)

// EventType identifies the category and nature of an event emitted by the
// engine. The set is closed: every type has a typed payload struct, and
// dispatch is keyed on the constant rather than free-form strings.
type EventType string

// Workflow lifecycle events.
const (
	EventWorkflowQueued    EventType = "workflow.queued"
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowPaused    EventType = "workflow.paused"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
)

// Stage events. A stage is a synchronization barrier, so stage.completed
// means every unit in the stage reached a terminal status.
const (
	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
)

// Work-unit execution events.
const (
	EventUnitStarted   EventType = "unit.started"
	EventUnitCompleted EventType = "unit.completed"
	EventUnitFailed    EventType = "unit.failed"
	EventUnitRetrying  EventType = "unit.retrying"
	EventUnitSkipped   EventType = "unit.skipped"
)

// Refinement events.
const (
	EventRefinementTriggered EventType = "refinement.triggered"
	EventRefinementSettled   EventType = "refinement.settled"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is one observability event. It is JSON-serializable and carries
// enough context for filtering and for durable stream publication.
type Event struct {
	// Type identifies the category and nature of the event
	Type EventType `json:"type"`

	// Timestamp records when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// WorkflowID associates the event with a workflow run
	WorkflowID types.ID `json:"workflow_id,omitempty"`

	// UnitID identifies the work unit the event concerns (empty for workflow events)
	UnitID string `json:"unit_id,omitempty"`

	// TraceID correlates the event with the execution context that produced it
	TraceID string `json:"trace_id,omitempty"`

	// Payload contains event-specific typed data (use type assertion to access)
	Payload any `json:"payload,omitempty"`
}

// Filter defines criteria for filtering events in subscriptions.
// All fields use AND logic; empty fields act as wildcards.
type Filter struct {
	Types      []EventType `json:"types,omitempty"`
	WorkflowID types.ID    `json:"workflow_id,omitempty"`
	UnitID     string      `json:"unit_id,omitempty"`
}

// Matches determines if the given event matches this filter's criteria.
func (f *Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.WorkflowID != "" && event.WorkflowID != f.WorkflowID {
		return false
	}

	if f.UnitID != "" && event.UnitID != f.UnitID {
		return false
	}

	return true
}

// WorkflowStartedPayload contains data for workflow.started events.
type WorkflowStartedPayload struct {
	WorkflowID types.ID `json:"workflow_id"`
	Name       string   `json:"name"`
	UnitCount  int      `json:"unit_count"`
	Iteration  int      `json:"iteration"`
}

// WorkflowCompletedPayload contains data for workflow.completed events.
type WorkflowCompletedPayload struct {
	WorkflowID types.ID      `json:"workflow_id"`
	Duration   time.Duration `json:"duration"`
	Iterations int           `json:"iterations"`
	Success    bool          `json:"success"`
}

// WorkflowFailedPayload contains data for workflow.failed events.
type WorkflowFailedPayload struct {
	WorkflowID types.ID      `json:"workflow_id"`
	Error      string        `json:"error"`
	Duration   time.Duration `json:"duration"`
}

// StagePayload contains data for stage.started and stage.completed events.
type StagePayload struct {
	WorkflowID     types.ID `json:"workflow_id"`
	Stage          int      `json:"stage"`
	UnitIDs        []string `json:"unit_ids"`
	Parallelizable bool     `json:"parallelizable"`
}

// UnitStartedPayload contains data for unit.started events.
type UnitStartedPayload struct {
	WorkflowID  types.ID `json:"workflow_id"`
	ExecutionID types.ID `json:"execution_id"`
	UnitID      string   `json:"unit_id"`
}

// UnitCompletedPayload contains data for unit.completed events.
type UnitCompletedPayload struct {
	WorkflowID  types.ID      `json:"workflow_id"`
	ExecutionID types.ID      `json:"execution_id"`
	UnitID      string        `json:"unit_id"`
	Duration    time.Duration `json:"duration"`
	TokensUsed  int           `json:"tokens_used"`
	Cost        float64       `json:"cost"`
}

// UnitFailedPayload contains data for unit.failed events.
type UnitFailedPayload struct {
	WorkflowID  types.ID      `json:"workflow_id"`
	ExecutionID types.ID      `json:"execution_id"`
	UnitID      string        `json:"unit_id"`
	Error       string        `json:"error"`
	Duration    time.Duration `json:"duration"`
}

// UnitRetryingPayload contains data for unit.retrying events.
type UnitRetryingPayload struct {
	WorkflowID types.ID      `json:"workflow_id"`
	UnitID     string        `json:"unit_id"`
	Attempt    int           `json:"attempt"`
	Delay      time.Duration `json:"delay"`
	Error      string        `json:"error"`
}

// UnitSkippedPayload contains data for unit.skipped events.
type UnitSkippedPayload struct {
	WorkflowID types.ID `json:"workflow_id"`
	UnitID     string   `json:"unit_id"`
	Reason     string   `json:"reason"`
}

// RefinementTriggeredPayload contains data for refinement.triggered events.
type RefinementTriggeredPayload struct {
	WorkflowID    types.ID `json:"workflow_id"`
	Iteration     int      `json:"iteration"`
	Reason        string   `json:"reason"`
	TargetUnitIDs []string `json:"target_unit_ids"`
	OverallScore  float64  `json:"overall_score"`
}

// RefinementSettledPayload contains data for refinement.settled events,
// emitted when the refinement loop decides no further iteration is needed.
type RefinementSettledPayload struct {
	WorkflowID   types.ID `json:"workflow_id"`
	Iteration    int      `json:"iteration"`
	Reason       string   `json:"reason"`
	OverallScore float64  `json:"overall_score"`
}
