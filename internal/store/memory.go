package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomhq/loom/internal/types"
)

// MemoryStore is an in-process Store used by tests and the CLI's dry runs.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[types.ID]*ExecutionRecord
	order     []types.ID
	workflows map[types.ID]*WorkflowRecord
	scores    map[types.ID][]QualityScore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[types.ID]*ExecutionRecord),
		workflows: make(map[types.ID]*WorkflowRecord),
		scores:    make(map[types.ID][]QualityScore),
	}
}

func (s *MemoryStore) CreateExecutionRecord(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ExecutionID.IsZero() {
		return types.NewError(types.STORE_QUERY_FAILED, "execution record requires an execution id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ExecutionID]; exists {
		return types.NewError(types.STORE_QUERY_FAILED,
			fmt.Sprintf("execution record %s already exists", rec.ExecutionID))
	}

	cp := *rec
	s.records[rec.ExecutionID] = &cp
	s.order = append(s.order, rec.ExecutionID)
	return nil
}

func (s *MemoryStore) UpdateExecutionRecord(ctx context.Context, executionID types.ID, upd RecordUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[executionID]
	if !ok {
		return types.NewError(types.STORE_QUERY_FAILED,
			fmt.Sprintf("execution record %s not found", executionID))
	}

	rec.Status = upd.Status
	if upd.Output != nil {
		rec.Output = upd.Output
	}
	if upd.Error != nil {
		rec.Error = *upd.Error
	}
	if upd.TokensUsed != nil {
		rec.TokensUsed = *upd.TokensUsed
	}
	if upd.Cost != nil {
		rec.Cost = *upd.Cost
	}
	if upd.DurationMs != nil {
		rec.DurationMs = *upd.DurationMs
	}
	if upd.EndedAt != nil {
		rec.EndedAt = upd.EndedAt
	}
	return nil
}

func (s *MemoryStore) GetExecutionRecord(ctx context.Context, executionID types.ID) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[executionID]
	if !ok {
		return nil, types.NewError(types.STORE_QUERY_FAILED,
			fmt.Sprintf("execution record %s not found", executionID))
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListExecutionRecords(ctx context.Context, workflowID types.ID) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.WorkflowID == workflowID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if rec == nil || rec.ID.IsZero() {
		return types.NewError(types.STORE_QUERY_FAILED, "workflow record requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[rec.ID]; exists {
		return types.NewError(types.STORE_QUERY_FAILED,
			fmt.Sprintf("workflow %s already exists", rec.ID))
	}
	cp := *rec
	s.workflows[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id types.ID) (*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.workflows[id]
	if !ok {
		return nil, types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found", id))
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflowStatus(ctx context.Context, id types.ID, upd WorkflowUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workflows[id]
	if !ok {
		return types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("workflow %s not found", id))
	}

	rec.Status = upd.Status
	if upd.Output != nil {
		rec.Output = upd.Output
	}
	if upd.Error != nil {
		rec.Error = *upd.Error
	}
	if upd.Iteration != nil {
		rec.Iteration = *upd.Iteration
	}
	if upd.CompletedAt != nil {
		rec.CompletedAt = upd.CompletedAt
	}
	return nil
}

func (s *MemoryStore) AddQualityScore(ctx context.Context, score QualityScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scores[score.WorkflowID] = append(s.scores[score.WorkflowID], score)
	return nil
}

func (s *MemoryStore) QueryQualityEvaluations(ctx context.Context, workflowID types.ID) ([]QualityScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scores := s.scores[workflowID]
	out := make([]QualityScore, len(scores))
	copy(out, scores)
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
