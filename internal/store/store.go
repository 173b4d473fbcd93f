// Package store persists work-unit execution records, workflow state, and
// quality evaluations. The Store interface is the seam consumed by the
// engine and orchestrator; SQLite and in-memory implementations are provided.
package store

import (
	"context"
	"time"

	"github.com/loomhq/loom/internal/types"
)

// UnitStatus is the persisted status of one work-unit execution.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusRetrying  UnitStatus = "retrying"
	UnitStatusCompleted UnitStatus = "completed"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusSkipped   UnitStatus = "skipped"
)

// WorkflowStatus is the persisted status of a workflow run. The store keeps
// its own copy of the status vocabulary so it stays a leaf package.
type WorkflowStatus string

const (
	WorkflowStatusQueued    WorkflowStatus = "queued"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// ExecutionRecord is one work-unit execution attempt. Created when the unit
// starts and finalized exactly once when it reaches a terminal status.
type ExecutionRecord struct {
	ExecutionID types.ID       `json:"execution_id"`
	WorkflowID  types.ID       `json:"workflow_id"`
	UnitID      string         `json:"unit_id"`
	Status      UnitStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	TokensUsed  int            `json:"tokens_used"`
	Cost        float64        `json:"cost"`
	DurationMs  int64          `json:"duration_ms"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// RecordUpdate carries the fields finalized at unit completion or failure.
// Nil pointers leave the stored value untouched.
type RecordUpdate struct {
	Status     UnitStatus
	Output     map[string]any
	Error      *string
	TokensUsed *int
	Cost       *float64
	DurationMs *int64
	EndedAt    *time.Time
}

// WorkflowRecord is the persisted state of one workflow run.
type WorkflowRecord struct {
	ID            types.ID       `json:"id"`
	Name          string         `json:"name"`
	Status        WorkflowStatus `json:"status"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowUpdate carries a workflow status transition. CompletedAt must be
// set exactly when the transition enters a terminal status.
type WorkflowUpdate struct {
	Status      WorkflowStatus
	Output      map[string]any
	Error       *string
	Iteration   *int
	CompletedAt *time.Time
}

// QualityScore is one externally produced evaluation of a unit's output along
// a named dimension. Read-only input to the refinement engine.
type QualityScore struct {
	WorkflowID types.ID  `json:"workflow_id"`
	UnitID     string    `json:"unit_id"`
	Dimension  string    `json:"dimension"`
	Score      float64   `json:"score"`
	MaxScore   float64   `json:"max_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the persistence contract consumed by the engine and orchestrator.
type Store interface {
	// CreateExecutionRecord inserts a new record at unit start.
	CreateExecutionRecord(ctx context.Context, rec *ExecutionRecord) error

	// UpdateExecutionRecord finalizes a record at unit completion or failure.
	UpdateExecutionRecord(ctx context.Context, executionID types.ID, upd RecordUpdate) error

	// GetExecutionRecord retrieves one record by execution id.
	GetExecutionRecord(ctx context.Context, executionID types.ID) (*ExecutionRecord, error)

	// ListExecutionRecords retrieves all records for a workflow, oldest first.
	ListExecutionRecords(ctx context.Context, workflowID types.ID) ([]*ExecutionRecord, error)

	// CreateWorkflow inserts a new workflow run record.
	CreateWorkflow(ctx context.Context, rec *WorkflowRecord) error

	// GetWorkflow retrieves a workflow run by id.
	GetWorkflow(ctx context.Context, id types.ID) (*WorkflowRecord, error)

	// UpdateWorkflowStatus applies a status transition to a workflow run.
	UpdateWorkflowStatus(ctx context.Context, id types.ID, upd WorkflowUpdate) error

	// AddQualityScore records an externally produced evaluation.
	AddQualityScore(ctx context.Context, score QualityScore) error

	// QueryQualityEvaluations returns all evaluations for a workflow.
	QueryQualityEvaluations(ctx context.Context, workflowID types.ID) ([]QualityScore, error)
}
