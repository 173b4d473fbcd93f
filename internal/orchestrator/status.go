package orchestrator

import "github.com/loomhq/loom/internal/store"

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the workflow state machine. Terminal states have
// no outgoing transitions.
var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransitionTo reports whether moving from s to target is a legal
// transition.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// storeStatus maps the orchestrator status onto the store's vocabulary.
func (s Status) storeStatus() store.WorkflowStatus {
	return store.WorkflowStatus(s)
}

// statusFromStore maps a persisted status back into the state machine.
func statusFromStore(s store.WorkflowStatus) Status {
	return Status(s)
}
