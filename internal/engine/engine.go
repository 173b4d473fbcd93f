// Package engine executes staged workflow plans. Units within a stage run
// concurrently under a bounded worker pool; stages are barriers. Each unit
// execution is guarded by a distributed lock, retried with exponential
// backoff, persisted to the store and mirrored onto the event emitter.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/dag"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/lock"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

// UnitOutput is what an executor produces for one successful execution.
type UnitOutput struct {
	// Data is the unit's structured output, fed to downstream units
	Data map[string]any `json:"data"`

	// TokensUsed records LLM token consumption, zero for non-LLM units
	TokensUsed int `json:"tokens_used"`

	// Cost records the monetary cost of the execution
	Cost float64 `json:"cost"`
}

// Executor performs the actual work of a unit. The engine treats it as an
// opaque contract: generation, validation, persistence of artifacts all live
// behind it.
type Executor interface {
	Execute(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
	return f(ctx, execCtx)
}

// UnitResult is the terminal outcome of one unit execution. Errors are
// captured here, never propagated as panics or returned from stage runs.
type UnitResult struct {
	UnitID      string           `json:"unit_id"`
	ExecutionID types.ID         `json:"execution_id"`
	Status      store.UnitStatus `json:"status"`
	Output      map[string]any   `json:"output,omitempty"`
	Error       error            `json:"-"`
	TokensUsed  int              `json:"tokens_used"`
	Cost        float64          `json:"cost"`
	Attempts    int              `json:"attempts"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     time.Time        `json:"ended_at"`
	Duration    time.Duration    `json:"duration"`
}

// InputProvider supplies per-unit parameters at execution time. The upstream
// map holds the outputs of every unit completed so far in the run.
type InputProvider func(unitID string, upstream map[string]map[string]any) map[string]any

// RunSpec describes one workflow pass handed to ExecuteWorkflow.
type RunSpec struct {
	WorkflowID types.ID
	TenantID   string
	TraceID    string
	Iteration  int
	Plan       *dag.Plan
	Inputs     InputProvider

	// PriorOutputs seeds the pass with outputs from earlier passes so that
	// a narrowed re-run still sees its upstream dependencies. Units run in
	// this pass overwrite their seeded entry.
	PriorOutputs map[string]map[string]any

	// BeforeStage, when set, is called before each stage starts. It is the
	// cooperative pause point: blocking here holds the run at a stage
	// boundary, and returning an error abandons the remaining stages.
	BeforeStage func(ctx context.Context) error
}

// WorkflowResult aggregates the outcome of one workflow pass.
type WorkflowResult struct {
	WorkflowID types.ID                  `json:"workflow_id"`
	Completed  []string                  `json:"completed"`
	Failed     []string                  `json:"failed"`
	Skipped    []string                  `json:"skipped"`
	Outputs    map[string]map[string]any `json:"outputs,omitempty"`
	Errors     map[string]error          `json:"-"`
	Cancelled  bool                      `json:"cancelled"`
	Duration   time.Duration             `json:"duration"`
}

// Success reports whether every unit in the pass completed.
func (r *WorkflowResult) Success() bool {
	return !r.Cancelled && len(r.Failed) == 0 && len(r.Skipped) == 0
}

// Engine runs staged plans against an Executor.
type Engine struct {
	registry    *registry.Registry
	executor    Executor
	store       store.Store
	locks       lock.Provider
	emitter     *events.Emitter
	logger      *slog.Logger
	maxParallel int
	retry       RetryPolicy
	unitTimeout time.Duration
	lockTTL     time.Duration
	lockRetries int
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithLock sets the distributed lock provider.
func WithLock(p lock.Provider) Option {
	return func(e *Engine) {
		if p != nil {
			e.locks = p
		}
	}
}

// WithEvents sets the event emitter.
func WithEvents(emitter *events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxParallel bounds concurrent unit executions within a stage.
// Default: 4.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithRetryPolicy sets the retry policy for unit executions.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithUnitTimeout bounds the wall-clock time of a single execution attempt.
// Zero disables the timeout.
func WithUnitTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.unitTimeout = d
	}
}

// WithLockTTL sets the lease duration for per-unit locks. Default: 5 minutes.
func WithLockTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTTL = d
		}
	}
}

// WithLockRetries sets the bounded retry budget for lock acquisition.
// Default: 3.
func WithLockRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.lockRetries = n
		}
	}
}

// New creates an Engine for the given registry and executor.
func New(reg *registry.Registry, executor Executor, opts ...Option) *Engine {
	e := &Engine{
		registry:    reg,
		executor:    executor,
		store:       store.NewMemoryStore(),
		locks:       lock.NewMemoryProvider(),
		emitter:     events.NewEmitter(),
		logger:      slog.Default(),
		maxParallel: 4,
		retry:       DefaultRetryPolicy(),
		lockTTL:     5 * time.Minute,
		lockRetries: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockResource names the distributed lock for one unit execution. The key
// is scoped to the workflow so that the same unit can run in concurrent
// workflows.
func lockResource(workflowID types.ID, unitID string) string {
	return fmt.Sprintf("unit:%s:%s", workflowID, unitID)
}

// ExecuteUnit runs a single unit to a terminal status. Failures of any kind,
// lock contention, timeouts, exhausted retries, executor errors, are captured
// in the returned result rather than returned as an error.
func (e *Engine) ExecuteUnit(ctx context.Context, execCtx ExecutionContext) *UnitResult {
	result := &UnitResult{
		UnitID:      execCtx.UnitID,
		ExecutionID: execCtx.ExecutionID,
		StartedAt:   time.Now(),
	}

	rec := &store.ExecutionRecord{
		ExecutionID: execCtx.ExecutionID,
		WorkflowID:  execCtx.WorkflowID,
		UnitID:      execCtx.UnitID,
		Status:      store.UnitStatusRunning,
		StartedAt:   result.StartedAt,
	}
	if err := e.store.CreateExecutionRecord(ctx, rec); err != nil {
		e.logger.Error("failed to create execution record",
			"execution_id", execCtx.ExecutionID,
			"unit_id", execCtx.UnitID,
			"error", err)
	}

	e.emitter.Emit(ctx, events.Event{
		Type:       events.EventUnitStarted,
		WorkflowID: execCtx.WorkflowID,
		UnitID:     execCtx.UnitID,
		TraceID:    execCtx.TraceID,
		Payload: events.UnitStartedPayload{
			WorkflowID:  execCtx.WorkflowID,
			ExecutionID: execCtx.ExecutionID,
			UnitID:      execCtx.UnitID,
		},
	})

	resource := lockResource(execCtx.WorkflowID, execCtx.UnitID)
	token, err := e.locks.Acquire(ctx, resource, e.lockTTL, e.lockRetries)
	if err != nil {
		return e.finishUnit(ctx, execCtx, result,
			types.WrapError(types.LOCK_CONTENTION, "lock acquisition failed", err))
	}
	if token == "" {
		return e.finishUnit(ctx, execCtx, result,
			types.NewError(types.LOCK_CONTENTION,
				fmt.Sprintf("unit %q is already executing", execCtx.UnitID)))
	}
	defer func() {
		released, relErr := e.locks.Release(context.WithoutCancel(ctx), resource, token)
		if relErr != nil || !released {
			e.logger.Warn("lock release failed",
				"resource", resource,
				"released", released,
				"error", relErr)
		}
	}()

	output, attempts, execErr := e.executeWithRetry(ctx, execCtx)
	result.Attempts = attempts
	if execErr != nil {
		return e.finishUnit(ctx, execCtx, result, execErr)
	}

	result.Status = store.UnitStatusCompleted
	result.Output = output.Data
	result.TokensUsed = output.TokensUsed
	result.Cost = output.Cost
	return e.finishUnit(ctx, execCtx, result, nil)
}

// finishUnit finalizes the result, persists the terminal record and emits
// the terminal event. A non-nil err marks the unit failed.
func (e *Engine) finishUnit(ctx context.Context, execCtx ExecutionContext, result *UnitResult, err error) *UnitResult {
	result.EndedAt = time.Now()
	result.Duration = result.EndedAt.Sub(result.StartedAt)

	upd := store.RecordUpdate{
		Output:  result.Output,
		EndedAt: &result.EndedAt,
	}
	durationMs := result.Duration.Milliseconds()
	upd.DurationMs = &durationMs
	upd.TokensUsed = &result.TokensUsed
	upd.Cost = &result.Cost

	if err != nil {
		result.Status = store.UnitStatusFailed
		result.Error = err
		msg := err.Error()
		upd.Status = store.UnitStatusFailed
		upd.Error = &msg
	} else {
		upd.Status = store.UnitStatusCompleted
	}

	// Use a detached context so that a cancelled run still records outcomes.
	if updErr := e.store.UpdateExecutionRecord(context.WithoutCancel(ctx), execCtx.ExecutionID, upd); updErr != nil {
		e.logger.Error("failed to update execution record",
			"execution_id", execCtx.ExecutionID,
			"unit_id", execCtx.UnitID,
			"error", updErr)
	}

	if err != nil {
		e.logger.Warn("unit failed",
			"workflow_id", execCtx.WorkflowID,
			"unit_id", execCtx.UnitID,
			"attempts", result.Attempts,
			"duration", result.Duration,
			"error", err)
		e.emitter.Emit(ctx, events.Event{
			Type:       events.EventUnitFailed,
			WorkflowID: execCtx.WorkflowID,
			UnitID:     execCtx.UnitID,
			TraceID:    execCtx.TraceID,
			Payload: events.UnitFailedPayload{
				WorkflowID:  execCtx.WorkflowID,
				ExecutionID: execCtx.ExecutionID,
				UnitID:      execCtx.UnitID,
				Error:       err.Error(),
				Duration:    result.Duration,
			},
		})
		return result
	}

	e.logger.Info("unit completed",
		"workflow_id", execCtx.WorkflowID,
		"unit_id", execCtx.UnitID,
		"duration", result.Duration,
		"tokens_used", result.TokensUsed)
	e.emitter.Emit(ctx, events.Event{
		Type:       events.EventUnitCompleted,
		WorkflowID: execCtx.WorkflowID,
		UnitID:     execCtx.UnitID,
		TraceID:    execCtx.TraceID,
		Payload: events.UnitCompletedPayload{
			WorkflowID:  execCtx.WorkflowID,
			ExecutionID: execCtx.ExecutionID,
			UnitID:      execCtx.UnitID,
			Duration:    result.Duration,
			TokensUsed:  result.TokensUsed,
			Cost:        result.Cost,
		},
	})
	return result
}

// executeWithRetry runs the executor with exponential backoff. Executor
// failures are retried by default; a coded error explicitly flagged
// non-retryable fails the unit on the spot. Returns the output, the number
// of attempts made and the final error (wrapped as retry exhaustion when
// the budget ran out).
func (e *Engine) executeWithRetry(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.retry.Delay(attempt - 1)
			e.emitter.Emit(ctx, events.Event{
				Type:       events.EventUnitRetrying,
				WorkflowID: execCtx.WorkflowID,
				UnitID:     execCtx.UnitID,
				TraceID:    execCtx.TraceID,
				Payload: events.UnitRetryingPayload{
					WorkflowID: execCtx.WorkflowID,
					UnitID:     execCtx.UnitID,
					Attempt:    attempt,
					Delay:      delay,
					Error:      lastErr.Error(),
				},
			})
			e.markRetrying(ctx, execCtx.ExecutionID)
			if err := sleepContext(ctx, delay); err != nil {
				return nil, attempts, types.WrapError(types.WORKFLOW_CANCELLED,
					"execution cancelled during backoff", err)
			}
		}

		attempts++
		output, err := e.executeWithTimeout(ctx, execCtx)
		if err == nil {
			return output, attempts, nil
		}
		lastErr = err

		if permanent(err) {
			return nil, attempts, types.WrapError(types.UNIT_EXECUTION_FAILED,
				fmt.Sprintf("unit %q failed", execCtx.UnitID), err)
		}
	}

	return nil, attempts, types.WrapError(types.RETRY_EXHAUSTED,
		fmt.Sprintf("unit %q failed after %d attempts", execCtx.UnitID, attempts), lastErr)
}

// permanent reports whether the error carries an explicit non-retryable
// hint. Plain executor errors are treated as transient.
func permanent(err error) bool {
	var loomErr *types.LoomError
	if errors.As(err, &loomErr) {
		return !loomErr.Retryable
	}
	return false
}

// markRetrying records the transient retrying status between attempts.
func (e *Engine) markRetrying(ctx context.Context, executionID types.ID) {
	upd := store.RecordUpdate{Status: store.UnitStatusRetrying}
	if err := e.store.UpdateExecutionRecord(ctx, executionID, upd); err != nil {
		e.logger.Debug("failed to mark record retrying",
			"execution_id", executionID,
			"error", err)
	}
}

// executeWithTimeout bounds one execution attempt. On timeout the attempt
// fails with a retryable timeout error; the executor goroutine is signalled
// through context cancellation but not forcibly stopped.
func (e *Engine) executeWithTimeout(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
	if e.unitTimeout <= 0 {
		return e.executor.Execute(ctx, execCtx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.unitTimeout)
	defer cancel()

	type attemptResult struct {
		output *UnitOutput
		err    error
	}
	done := make(chan attemptResult, 1)
	go func() {
		output, err := e.executor.Execute(attemptCtx, execCtx)
		done <- attemptResult{output, err}
	}()

	select {
	case r := <-done:
		return r.output, r.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, types.NewRetryableError(types.UNIT_TIMEOUT,
				fmt.Sprintf("unit %q exceeded %s timeout", execCtx.UnitID, e.unitTimeout))
		}
		return nil, attemptCtx.Err()
	}
}

// ExecuteStage runs every unit of the stage under the bounded worker pool
// and waits for all of them. The build callback produces the execution
// context for each unit.
func (e *Engine) ExecuteStage(ctx context.Context, workflowID types.ID, stage dag.Stage, build func(unitID string) ExecutionContext) map[string]*UnitResult {
	e.emitter.Emit(ctx, events.Event{
		Type:       events.EventStageStarted,
		WorkflowID: workflowID,
		Payload: events.StagePayload{
			WorkflowID:     workflowID,
			Stage:          stage.Stage,
			UnitIDs:        stage.UnitIDs,
			Parallelizable: stage.Parallelizable,
		},
	})

	results := make(map[string]*UnitResult, len(stage.UnitIDs))
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.maxParallel)
	)

	for _, unitID := range stage.UnitIDs {
		wg.Add(1)
		go func(unitID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result := e.ExecuteUnit(ctx, build(unitID))

			mu.Lock()
			results[unitID] = result
			mu.Unlock()
		}(unitID)
	}
	wg.Wait()

	e.emitter.Emit(ctx, events.Event{
		Type:       events.EventStageCompleted,
		WorkflowID: workflowID,
		Payload: events.StagePayload{
			WorkflowID:     workflowID,
			Stage:          stage.Stage,
			UnitIDs:        stage.UnitIDs,
			Parallelizable: stage.Parallelizable,
		},
	})

	return results
}

// ExecuteWorkflow runs the plan stage by stage. A unit whose dependency
// failed or was skipped is skipped with a recorded reason rather than
// executed. The pass continues past failures so that independent branches
// make progress.
func (e *Engine) ExecuteWorkflow(ctx context.Context, spec RunSpec) *WorkflowResult {
	start := time.Now()
	result := &WorkflowResult{
		WorkflowID: spec.WorkflowID,
		Outputs:    make(map[string]map[string]any, len(spec.PriorOutputs)),
		Errors:     make(map[string]error),
	}
	for unitID, output := range spec.PriorOutputs {
		result.Outputs[unitID] = output
	}

	// Units that reached failed or skipped; their dependents must not run.
	unrunnable := make(map[string]string)

	for _, stage := range spec.Plan.Stages {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		if spec.BeforeStage != nil {
			if err := spec.BeforeStage(ctx); err != nil {
				result.Cancelled = true
				break
			}
		}

		runnable := make([]string, 0, len(stage.UnitIDs))
		for _, unitID := range stage.UnitIDs {
			if reason, blocked := e.blockedBy(unitID, unrunnable); blocked {
				e.skipUnit(ctx, spec, unitID, reason)
				unrunnable[unitID] = reason
				result.Skipped = append(result.Skipped, unitID)
				continue
			}
			runnable = append(runnable, unitID)
		}
		if len(runnable) == 0 {
			continue
		}

		stageRun := dag.Stage{
			Stage:          stage.Stage,
			UnitIDs:        runnable,
			Parallelizable: len(runnable) > 1,
		}

		stageResults := e.ExecuteStage(ctx, spec.WorkflowID, stageRun, func(unitID string) ExecutionContext {
			builder := NewContextBuilder(spec.WorkflowID, unitID).
				WithTenant(spec.TenantID).
				WithIteration(spec.Iteration).
				WithTrace(spec.TraceID)
			if spec.Inputs != nil {
				builder.WithParams(spec.Inputs(unitID, result.Outputs))
			}
			for _, dep := range e.registry.GetDependencies(unitID) {
				if output, ok := result.Outputs[dep]; ok {
					builder.WithUpstream(dep, output)
				}
			}
			return builder.Build()
		})

		for unitID, unitResult := range stageResults {
			switch unitResult.Status {
			case store.UnitStatusCompleted:
				result.Completed = append(result.Completed, unitID)
				result.Outputs[unitID] = unitResult.Output
			default:
				result.Failed = append(result.Failed, unitID)
				result.Errors[unitID] = unitResult.Error
				unrunnable[unitID] = fmt.Sprintf("dependency %q failed", unitID)
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}

// blockedBy reports whether any declared dependency of the unit is in the
// unrunnable set, returning the skip reason for the first one found.
func (e *Engine) blockedBy(unitID string, unrunnable map[string]string) (string, bool) {
	for _, dep := range e.registry.GetDependencies(unitID) {
		if _, blocked := unrunnable[dep]; blocked {
			return fmt.Sprintf("dependency %q did not complete", dep), true
		}
	}
	return "", false
}

// skipUnit records and announces a skipped unit.
func (e *Engine) skipUnit(ctx context.Context, spec RunSpec, unitID, reason string) {
	now := time.Now()
	rec := &store.ExecutionRecord{
		ExecutionID: types.NewID(),
		WorkflowID:  spec.WorkflowID,
		UnitID:      unitID,
		Status:      store.UnitStatusSkipped,
		Error:       reason,
		StartedAt:   now,
		EndedAt:     &now,
	}
	if err := e.store.CreateExecutionRecord(ctx, rec); err != nil {
		e.logger.Error("failed to record skipped unit",
			"unit_id", unitID,
			"error", err)
	}

	e.logger.Info("unit skipped",
		"workflow_id", spec.WorkflowID,
		"unit_id", unitID,
		"reason", reason)
	e.emitter.Emit(ctx, events.Event{
		Type:       events.EventUnitSkipped,
		WorkflowID: spec.WorkflowID,
		UnitID:     unitID,
		TraceID:    spec.TraceID,
		Payload: events.UnitSkippedPayload{
			WorkflowID: spec.WorkflowID,
			UnitID:     unitID,
			Reason:     reason,
		},
	})
}
