// Package orchestrator drives whole workflow runs: it owns the workflow
// status state machine, assembles execution plans from the registry, hands
// passes to the engine and loops through quality-driven refinement until
// the decision procedure settles or the iteration budget runs out.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loomhq/loom/internal/dag"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/refine"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

// WorkflowSpec describes one workflow run request.
type WorkflowSpec struct {
	// Name is a human-readable label for the run
	Name string

	// TenantID scopes the run to a tenant
	TenantID string

	// TraceID correlates the run's events; generated when empty
	TraceID string

	// Units restricts the run to the named units and the dependencies
	// among them. Empty means every registered unit.
	Units []string

	// Inputs supplies per-unit parameters at execution time
	Inputs engine.InputProvider
}

// Result is the final outcome of a workflow run, covering all passes.
type Result struct {
	WorkflowID types.ID                  `json:"workflow_id"`
	Status     Status                    `json:"status"`
	Iterations int                       `json:"iterations"`
	Completed  []string                  `json:"completed"`
	Failed     []string                  `json:"failed"`
	Skipped    []string                  `json:"skipped"`
	Outputs    map[string]map[string]any `json:"outputs,omitempty"`
	Duration   time.Duration             `json:"duration"`
}

// Orchestrator runs workflows end to end.
type Orchestrator struct {
	registry *registry.Registry
	engine   *engine.Engine
	store    store.Store
	refiner  *refine.Engine
	emitter  *events.Emitter
	logger   *slog.Logger
}

// Option is a functional option for configuring the Orchestrator.
type Option func(*Orchestrator)

// WithEvents sets the event emitter.
func WithEvents(emitter *events.Emitter) Option {
	return func(o *Orchestrator) {
		if emitter != nil {
			o.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an Orchestrator over the given registry, engine, store and
// refinement engine.
func New(reg *registry.Registry, eng *engine.Engine, st store.Store, refiner *refine.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		engine:   eng,
		store:    st,
		refiner:  refiner,
		emitter:  events.NewEmitter(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteWorkflow runs a workflow to a terminal status and returns its
// result. The returned error covers setup failures (invalid unit set,
// cyclic dependencies, persistence); execution failures of individual
// units are reported through the result, not the error.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, spec WorkflowSpec) (*Result, error) {
	return o.run(ctx, types.NewID(), spec, nil)
}

// run is the shared driver used by ExecuteWorkflow and the Controller.
// gate may be nil; when set it is consulted at stage boundaries to
// implement cooperative pause.
func (o *Orchestrator) run(ctx context.Context, workflowID types.ID, spec WorkflowSpec, gate *pauseGate) (*Result, error) {
	start := time.Now()
	if spec.TraceID == "" {
		spec.TraceID = types.NewID().String()
	}

	units, err := o.resolveUnits(spec.Units)
	if err != nil {
		return nil, err
	}
	plan, err := o.buildPlan(units)
	if err != nil {
		return nil, err
	}

	rec := &store.WorkflowRecord{
		ID:            workflowID,
		Name:          spec.Name,
		Status:        StatusQueued.storeStatus(),
		MaxIterations: o.refiner.MaxIterations(),
		CreatedAt:     start,
	}
	if err := o.store.CreateWorkflow(ctx, rec); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to persist workflow", err)
	}
	o.emitWorkflow(ctx, events.EventWorkflowQueued, workflowID, spec.TraceID, nil)

	if err := o.transition(ctx, workflowID, StatusQueued, StatusRunning, store.WorkflowUpdate{}); err != nil {
		return nil, err
	}
	o.emitWorkflow(ctx, events.EventWorkflowStarted, workflowID, spec.TraceID, events.WorkflowStartedPayload{
		WorkflowID: workflowID,
		Name:       spec.Name,
		UnitCount:  plan.UnitCount(),
	})
	o.logger.Info("workflow started",
		"workflow_id", workflowID,
		"name", spec.Name,
		"units", plan.UnitCount(),
		"stages", len(plan.Stages))

	result := &Result{
		WorkflowID: workflowID,
		Outputs:    make(map[string]map[string]any),
	}

	var beforeStage func(context.Context) error
	if gate != nil {
		beforeStage = gate.Wait
	}

	iteration := 0
	for {
		pass := o.engine.ExecuteWorkflow(ctx, engine.RunSpec{
			WorkflowID:   workflowID,
			TenantID:     spec.TenantID,
			TraceID:      spec.TraceID,
			Iteration:    iteration,
			Plan:         plan,
			Inputs:       spec.Inputs,
			PriorOutputs: result.Outputs,
			BeforeStage:  beforeStage,
		})
		o.mergePass(result, pass)

		if pass.Cancelled {
			return o.finalize(ctx, workflowID, spec, result, iteration, StatusCancelled,
				"workflow cancelled", start)
		}

		evaluations, evalErr := o.loadEvaluations(ctx, workflowID)
		if evalErr != nil {
			o.logger.Warn("failed to load quality evaluations, skipping refinement",
				"workflow_id", workflowID,
				"error", evalErr)
		}

		decision := o.refiner.Decide(iteration, evaluations)
		if !decision.Refine {
			o.emitWorkflow(ctx, events.EventRefinementSettled, workflowID, spec.TraceID,
				events.RefinementSettledPayload{
					WorkflowID:   workflowID,
					Iteration:    iteration,
					Reason:       decision.Reason,
					OverallScore: decision.Metrics.OverallScore,
				})
			break
		}

		iteration = o.incrementIteration(ctx, workflowID, iteration)
		o.emitWorkflow(ctx, events.EventRefinementTriggered, workflowID, spec.TraceID,
			events.RefinementTriggeredPayload{
				WorkflowID:    workflowID,
				Iteration:     iteration,
				Reason:        decision.Reason,
				TargetUnitIDs: decision.TargetUnitIDs,
				OverallScore:  decision.Metrics.OverallScore,
			})

		plan, err = o.buildPlan(decision.TargetUnitIDs)
		if err != nil {
			return o.finalize(ctx, workflowID, spec, result, iteration, StatusFailed,
				fmt.Sprintf("refinement plan invalid: %v", err), start)
		}
	}

	status := StatusCompleted
	message := ""
	if len(result.Failed) > 0 || len(result.Skipped) > 0 {
		status = StatusFailed
		message = fmt.Sprintf("%d units failed, %d skipped", len(result.Failed), len(result.Skipped))
	}
	return o.finalize(ctx, workflowID, spec, result, iteration, status, message, start)
}

// incrementIteration is the only mutator of the iteration counter. It is
// called exactly once per refinement pass and keeps the persisted record in
// step with the in-memory count.
func (o *Orchestrator) incrementIteration(ctx context.Context, workflowID types.ID, iteration int) int {
	iteration++
	if err := o.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowUpdate{
		Status:    StatusRunning.storeStatus(),
		Iteration: &iteration,
	}); err != nil {
		o.logger.Error("failed to persist refinement iteration",
			"workflow_id", workflowID,
			"error", err)
	}
	return iteration
}

// resolveUnits expands the requested unit set, defaulting to every
// registered unit, and rejects unknown ids.
func (o *Orchestrator) resolveUnits(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return o.registry.IDs(), nil
	}
	units := make([]string, 0, len(requested))
	for _, id := range requested {
		if !o.registry.Has(id) {
			return nil, types.NewError(types.DEPENDENCY_MISSING,
				fmt.Sprintf("unknown work unit %q", id))
		}
		units = append(units, id)
	}
	sort.Strings(units)
	return units, nil
}

// buildPlan stages the given units. Dependencies outside the set are
// dropped from the graph: their outputs come from earlier passes, seeded
// into the run as prior outputs.
func (o *Orchestrator) buildPlan(units []string) (*dag.Plan, error) {
	inSet := make(map[string]bool, len(units))
	for _, id := range units {
		inSet[id] = true
	}

	builder := dag.NewBuilder()
	for _, id := range units {
		var deps []string
		for _, dep := range o.registry.GetDependencies(id) {
			if inSet[dep] {
				deps = append(deps, dep)
			}
		}
		if err := builder.AddNode(id, deps); err != nil {
			return nil, err
		}
	}
	if err := builder.CalculateStages(); err != nil {
		return nil, err
	}
	return builder.ExecutionPlan()
}

// mergePass folds one pass into the cumulative result. A unit re-run by
// refinement replaces its earlier outcome.
func (o *Orchestrator) mergePass(result *Result, pass *engine.WorkflowResult) {
	outcome := make(map[string]store.UnitStatus)
	record := func(ids []string, status store.UnitStatus) {
		for _, id := range ids {
			outcome[id] = status
		}
	}
	record(result.Completed, store.UnitStatusCompleted)
	record(result.Failed, store.UnitStatusFailed)
	record(result.Skipped, store.UnitStatusSkipped)
	record(pass.Completed, store.UnitStatusCompleted)
	record(pass.Failed, store.UnitStatusFailed)
	record(pass.Skipped, store.UnitStatusSkipped)

	result.Completed = result.Completed[:0]
	result.Failed = result.Failed[:0]
	result.Skipped = result.Skipped[:0]
	for id, status := range outcome {
		switch status {
		case store.UnitStatusCompleted:
			result.Completed = append(result.Completed, id)
		case store.UnitStatusFailed:
			result.Failed = append(result.Failed, id)
		case store.UnitStatusSkipped:
			result.Skipped = append(result.Skipped, id)
		}
	}
	sort.Strings(result.Completed)
	sort.Strings(result.Failed)
	sort.Strings(result.Skipped)

	for id, output := range pass.Outputs {
		result.Outputs[id] = output
	}
}

// loadEvaluations reads quality scores from the store and converts them for
// the refinement engine.
func (o *Orchestrator) loadEvaluations(ctx context.Context, workflowID types.ID) ([]refine.Evaluation, error) {
	scores, err := o.store.QueryQualityEvaluations(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	evaluations := make([]refine.Evaluation, 0, len(scores))
	for _, score := range scores {
		evaluations = append(evaluations, refine.Evaluation{
			UnitID:    score.UnitID,
			Dimension: score.Dimension,
			Score:     score.Score,
			MaxScore:  score.MaxScore,
		})
	}
	return evaluations, nil
}

// transition validates and persists a status change.
func (o *Orchestrator) transition(ctx context.Context, workflowID types.ID, from, to Status, upd store.WorkflowUpdate) error {
	if !from.CanTransitionTo(to) {
		return types.NewError(types.WORKFLOW_INVALID_STATE,
			fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	upd.Status = to.storeStatus()
	if err := o.store.UpdateWorkflowStatus(ctx, workflowID, upd); err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to persist status transition", err)
	}
	return nil
}

// finalize persists the terminal status exactly once and emits the matching
// terminal event.
func (o *Orchestrator) finalize(ctx context.Context, workflowID types.ID, spec WorkflowSpec, result *Result, iterations int, status Status, message string, start time.Time) (*Result, error) {
	result.Status = status
	result.Iterations = iterations
	result.Duration = time.Since(start)

	// A cancelled run finalizes from whatever status the store last saw.
	// Read it back so the transition validates.
	current := StatusRunning
	if rec, err := o.store.GetWorkflow(ctx, workflowID); err == nil {
		current = statusFromStore(rec.Status)
	}

	detached := context.WithoutCancel(ctx)

	// A run that finished its last stage while paused resumes through
	// running before settling.
	if current == StatusPaused && !current.CanTransitionTo(status) {
		if err := o.transition(detached, workflowID, current, StatusRunning, store.WorkflowUpdate{}); err == nil {
			current = StatusRunning
		}
	}

	now := time.Now()
	upd := store.WorkflowUpdate{CompletedAt: &now, Output: flattenOutputs(result.Outputs)}
	if message != "" {
		upd.Error = &message
	}
	if err := o.transition(detached, workflowID, current, status, upd); err != nil {
		o.logger.Error("failed to persist terminal status",
			"workflow_id", workflowID,
			"status", status,
			"error", err)
	}

	switch status {
	case StatusCompleted:
		o.emitWorkflow(detached, events.EventWorkflowCompleted, workflowID, spec.TraceID,
			events.WorkflowCompletedPayload{
				WorkflowID: workflowID,
				Duration:   result.Duration,
				Iterations: iterations,
				Success:    true,
			})
	case StatusCancelled:
		o.emitWorkflow(detached, events.EventWorkflowCancelled, workflowID, spec.TraceID, nil)
	default:
		o.emitWorkflow(detached, events.EventWorkflowFailed, workflowID, spec.TraceID,
			events.WorkflowFailedPayload{
				WorkflowID: workflowID,
				Error:      message,
				Duration:   result.Duration,
			})
	}

	o.logger.Info("workflow finished",
		"workflow_id", workflowID,
		"status", status,
		"iterations", iterations,
		"completed", len(result.Completed),
		"failed", len(result.Failed),
		"skipped", len(result.Skipped),
		"duration", result.Duration)

	return result, nil
}

// flattenOutputs nests per-unit outputs under their unit id for workflow
// record persistence.
func flattenOutputs(outputs map[string]map[string]any) map[string]any {
	if len(outputs) == 0 {
		return nil
	}
	flat := make(map[string]any, len(outputs))
	for id, output := range outputs {
		flat[id] = output
	}
	return flat
}

// emitWorkflow emits a workflow-scoped event.
func (o *Orchestrator) emitWorkflow(ctx context.Context, eventType events.EventType, workflowID types.ID, traceID string, payload any) {
	o.emitter.Emit(ctx, events.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		TraceID:    traceID,
		Payload:    payload,
	})
}
