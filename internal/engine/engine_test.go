package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/dag"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/lock"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

// testRegistry registers the given manifests and fails the test on error.
func testRegistry(t *testing.T, manifests ...registry.Manifest) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, m := range manifests {
		require.NoError(t, reg.Register(m))
	}
	return reg
}

// testPlan builds a staged plan from the registered manifests.
func testPlan(t *testing.T, reg *registry.Registry) *dag.Plan {
	t.Helper()
	builder := dag.NewBuilder()
	for _, id := range reg.IDs() {
		require.NoError(t, builder.AddNode(id, reg.GetDependencies(id)))
	}
	require.NoError(t, builder.CalculateStages())
	plan, err := builder.ExecutionPlan()
	require.NoError(t, err)
	return plan
}

func echoExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		return &UnitOutput{
			Data:       map[string]any{"unit": execCtx.UnitID},
			TokensUsed: 10,
			Cost:       0.01,
		}, nil
	})
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestEngine_ExecuteUnit_Success(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})
	mem := store.NewMemoryStore()
	eng := New(reg, echoExecutor(), WithStore(mem))

	execCtx := NewContextBuilder(types.NewID(), "hero").Build()
	result := eng.ExecuteUnit(context.Background(), execCtx)

	require.Equal(t, store.UnitStatusCompleted, result.Status)
	assert.NoError(t, result.Error)
	assert.Equal(t, map[string]any{"unit": "hero"}, result.Output)
	assert.Equal(t, 10, result.TokensUsed)
	assert.Equal(t, 1, result.Attempts)
	assert.False(t, result.EndedAt.Before(result.StartedAt))

	rec, err := mem.GetExecutionRecord(context.Background(), execCtx.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.UnitStatusCompleted, rec.Status)
	assert.Equal(t, 10, rec.TokensUsed)
	require.NotNil(t, rec.EndedAt)
}

func TestEngine_ExecuteUnit_LockContention(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})
	locks := lock.NewMemoryProvider(lock.WithRetryDelay(time.Millisecond))
	eng := New(reg, echoExecutor(), WithLock(locks), WithLockRetries(1))

	workflowID := types.NewID()
	token, err := locks.Acquire(context.Background(), lockResource(workflowID, "hero"), time.Minute, 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	result := eng.ExecuteUnit(context.Background(), NewContextBuilder(workflowID, "hero").Build())

	require.Equal(t, store.UnitStatusFailed, result.Status)
	assert.Equal(t, types.LOCK_CONTENTION, types.CodeOf(result.Error))
}

func TestEngine_ExecuteUnit_ReleasesLock(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})
	locks := lock.NewMemoryProvider()
	eng := New(reg, echoExecutor(), WithLock(locks))

	workflowID := types.NewID()
	result := eng.ExecuteUnit(context.Background(), NewContextBuilder(workflowID, "hero").Build())

	require.Equal(t, store.UnitStatusCompleted, result.Status)
	assert.False(t, locks.Held(lockResource(workflowID, "hero")))
}

func TestEngine_ExecuteUnit_RetriesRetryableErrors(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})

	var calls atomic.Int32
	flaky := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		if calls.Add(1) < 3 {
			return nil, types.NewRetryableError(types.UNIT_EXECUTION_FAILED, "transient upstream error")
		}
		return &UnitOutput{Data: map[string]any{"ok": true}}, nil
	})

	eng := New(reg, flaky, WithRetryPolicy(fastRetry()))
	result := eng.ExecuteUnit(context.Background(), NewContextBuilder(types.NewID(), "hero").Build())

	require.Equal(t, store.UnitStatusCompleted, result.Status)
	assert.Equal(t, 3, result.Attempts)
}

func TestEngine_ExecuteUnit_PlainErrorsAreRetried(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})

	var calls atomic.Int32
	flaky := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("upstream generation hiccup")
		}
		return &UnitOutput{Data: map[string]any{"ok": true}}, nil
	})

	eng := New(reg, flaky, WithRetryPolicy(fastRetry()))
	result := eng.ExecuteUnit(context.Background(), NewContextBuilder(types.NewID(), "hero").Build())

	require.Equal(t, store.UnitStatusCompleted, result.Status)
	assert.Equal(t, 3, result.Attempts)
}

func TestEngine_ExecuteUnit_NonRetryableFailsImmediately(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})

	var calls atomic.Int32
	broken := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		calls.Add(1)
		return nil, types.NewError(types.UNIT_EXECUTION_FAILED, "schema validation rejected the output")
	})

	eng := New(reg, broken, WithRetryPolicy(fastRetry()))
	result := eng.ExecuteUnit(context.Background(), NewContextBuilder(types.NewID(), "hero").Build())

	require.Equal(t, store.UnitStatusFailed, result.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, types.UNIT_EXECUTION_FAILED, types.CodeOf(result.Error))
}

func TestEngine_ExecuteUnit_RetryExhausted(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})

	alwaysFailing := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		return nil, types.NewRetryableError(types.UNIT_EXECUTION_FAILED, "still flaky")
	})

	eng := New(reg, alwaysFailing, WithRetryPolicy(fastRetry()))
	result := eng.ExecuteUnit(context.Background(), NewContextBuilder(types.NewID(), "hero").Build())

	require.Equal(t, store.UnitStatusFailed, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, types.RETRY_EXHAUSTED, types.CodeOf(result.Error))
}

func TestEngine_ExecuteUnit_Timeout(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})

	slow := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		select {
		case <-time.After(time.Second):
			return &UnitOutput{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	eng := New(reg, slow,
		WithUnitTimeout(10*time.Millisecond),
		WithRetryPolicy(RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond}))
	result := eng.ExecuteUnit(context.Background(), NewContextBuilder(types.NewID(), "hero").Build())

	require.Equal(t, store.UnitStatusFailed, result.Status)
	assert.True(t, errors.Is(result.Error, types.NewError(types.UNIT_TIMEOUT, "")))
}

func TestEngine_ExecuteStage_BoundedParallelism(t *testing.T) {
	manifests := []registry.Manifest{
		{ID: "a", Layer: "section", Name: "A"},
		{ID: "b", Layer: "section", Name: "B"},
		{ID: "c", Layer: "section", Name: "C"},
		{ID: "d", Layer: "section", Name: "D"},
		{ID: "e", Layer: "section", Name: "E"},
		{ID: "f", Layer: "section", Name: "F"},
	}
	reg := testRegistry(t, manifests...)

	var current, peak atomic.Int32
	gauged := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return &UnitOutput{}, nil
	})

	eng := New(reg, gauged, WithMaxParallel(2))
	stage := dag.Stage{Stage: 0, UnitIDs: []string{"a", "b", "c", "d", "e", "f"}, Parallelizable: true}
	results := eng.ExecuteStage(context.Background(), types.NewID(), stage, func(unitID string) ExecutionContext {
		return NewContextBuilder(types.NewID(), unitID).Build()
	})

	assert.Len(t, results, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngine_ExecuteWorkflow_StageBarrier(t *testing.T) {
	reg := testRegistry(t,
		registry.Manifest{ID: "theme", Layer: "foundation", Name: "Theme"},
		registry.Manifest{ID: "hero", Layer: "section", Name: "Hero", Dependencies: []string{"theme"}},
		registry.Manifest{ID: "footer", Layer: "section", Name: "Footer", Dependencies: []string{"theme"}},
		registry.Manifest{ID: "assembly", Layer: "page", Name: "Assembly", Dependencies: []string{"hero", "footer"}},
	)

	var mu sync.Mutex
	spans := make(map[string][2]time.Time)
	timed := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		start := time.Now()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		spans[execCtx.UnitID] = [2]time.Time{start, time.Now()}
		mu.Unlock()
		return &UnitOutput{Data: map[string]any{"unit": execCtx.UnitID}}, nil
	})

	eng := New(reg, timed)
	result := eng.ExecuteWorkflow(context.Background(), RunSpec{
		WorkflowID: types.NewID(),
		Plan:       testPlan(t, reg),
	})

	require.True(t, result.Success())
	require.Len(t, result.Completed, 4)

	// No unit in a later stage starts before every unit in the prior stage ends.
	for _, section := range []string{"hero", "footer"} {
		assert.False(t, spans[section][0].Before(spans["theme"][1]),
			"%s started before theme finished", section)
		assert.False(t, spans["assembly"][0].Before(spans[section][1]),
			"assembly started before %s finished", section)
	}
}

func TestEngine_ExecuteWorkflow_UpstreamOutputsFlow(t *testing.T) {
	reg := testRegistry(t,
		registry.Manifest{ID: "theme", Layer: "foundation", Name: "Theme"},
		registry.Manifest{ID: "hero", Layer: "section", Name: "Hero", Dependencies: []string{"theme"}},
	)

	var heroUpstream map[string]map[string]any
	var heroParams map[string]any
	capture := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		if execCtx.UnitID == "hero" {
			heroUpstream = execCtx.Upstream
			heroParams = execCtx.Params
		}
		return &UnitOutput{Data: map[string]any{"produced_by": execCtx.UnitID}}, nil
	})

	eng := New(reg, capture)
	result := eng.ExecuteWorkflow(context.Background(), RunSpec{
		WorkflowID: types.NewID(),
		Plan:       testPlan(t, reg),
		Inputs: func(unitID string, upstream map[string]map[string]any) map[string]any {
			return map[string]any{"brief": "portfolio site"}
		},
	})

	require.True(t, result.Success())
	require.Contains(t, heroUpstream, "theme")
	assert.Equal(t, "theme", heroUpstream["theme"]["produced_by"])
	assert.Equal(t, "portfolio site", heroParams["brief"])
}

// A narrowed re-run drops the dependency from the plan; its output must
// still reach the re-run unit through the seeded prior outputs.
func TestEngine_ExecuteWorkflow_PriorOutputsSeedNarrowedRun(t *testing.T) {
	reg := testRegistry(t,
		registry.Manifest{ID: "theme", Layer: "foundation", Name: "Theme"},
		registry.Manifest{ID: "hero", Layer: "section", Name: "Hero", Dependencies: []string{"theme"}},
	)

	var heroUpstream map[string]map[string]any
	var providerSaw map[string]map[string]any
	capture := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		if execCtx.UnitID == "hero" {
			heroUpstream = execCtx.Upstream
		}
		return &UnitOutput{Data: map[string]any{"produced_by": execCtx.UnitID}}, nil
	})

	builder := dag.NewBuilder()
	require.NoError(t, builder.AddNode("hero", nil))
	require.NoError(t, builder.CalculateStages())
	narrowed, err := builder.ExecutionPlan()
	require.NoError(t, err)

	eng := New(reg, capture)
	result := eng.ExecuteWorkflow(context.Background(), RunSpec{
		WorkflowID: types.NewID(),
		Plan:       narrowed,
		PriorOutputs: map[string]map[string]any{
			"theme": {"produced_by": "theme"},
			"hero":  {"produced_by": "stale"},
		},
		Inputs: func(unitID string, upstream map[string]map[string]any) map[string]any {
			providerSaw = upstream
			return nil
		},
	})

	require.True(t, result.Success())
	require.Contains(t, heroUpstream, "theme")
	assert.Equal(t, "theme", heroUpstream["theme"]["produced_by"])
	require.Contains(t, providerSaw, "theme")

	// The re-run unit overwrites its own seeded entry.
	assert.Equal(t, "hero", result.Outputs["hero"]["produced_by"])
}

// A completes, B fails, C depends on B and must be skipped while D, which
// depends only on A, still runs.
func TestEngine_ExecuteWorkflow_SkipsDependentsOfFailures(t *testing.T) {
	reg := testRegistry(t,
		registry.Manifest{ID: "a", Layer: "foundation", Name: "A"},
		registry.Manifest{ID: "b", Layer: "foundation", Name: "B"},
		registry.Manifest{ID: "c", Layer: "section", Name: "C", Dependencies: []string{"b"}},
		registry.Manifest{ID: "d", Layer: "section", Name: "D", Dependencies: []string{"a"}},
	)

	partial := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		if execCtx.UnitID == "b" {
			return nil, errors.New("generation failed")
		}
		return &UnitOutput{Data: map[string]any{"unit": execCtx.UnitID}}, nil
	})

	mem := store.NewMemoryStore()
	workflowID := types.NewID()
	eng := New(reg, partial, WithStore(mem), WithRetryPolicy(RetryPolicy{}))

	result := eng.ExecuteWorkflow(context.Background(), RunSpec{
		WorkflowID: workflowID,
		Plan:       testPlan(t, reg),
	})

	assert.False(t, result.Success())
	assert.ElementsMatch(t, []string{"a", "d"}, result.Completed)
	assert.Equal(t, []string{"b"}, result.Failed)
	assert.Equal(t, []string{"c"}, result.Skipped)
	require.Contains(t, result.Errors, "b")

	records, err := mem.ListExecutionRecords(context.Background(), workflowID)
	require.NoError(t, err)
	var skipped *store.ExecutionRecord
	for _, rec := range records {
		if rec.UnitID == "c" {
			skipped = rec
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, store.UnitStatusSkipped, skipped.Status)
	assert.Contains(t, skipped.Error, `dependency "b"`)
}

func TestEngine_ExecuteWorkflow_TransitiveSkip(t *testing.T) {
	reg := testRegistry(t,
		registry.Manifest{ID: "a", Layer: "foundation", Name: "A"},
		registry.Manifest{ID: "b", Layer: "section", Name: "B", Dependencies: []string{"a"}},
		registry.Manifest{ID: "c", Layer: "page", Name: "C", Dependencies: []string{"b"}},
	)

	failRoot := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		return nil, errors.New("root unit failed")
	})

	eng := New(reg, failRoot, WithRetryPolicy(RetryPolicy{}))
	result := eng.ExecuteWorkflow(context.Background(), RunSpec{
		WorkflowID: types.NewID(),
		Plan:       testPlan(t, reg),
	})

	assert.Equal(t, []string{"a"}, result.Failed)
	assert.ElementsMatch(t, []string{"b", "c"}, result.Skipped)
	assert.Empty(t, result.Completed)
}

func TestEngine_ExecuteWorkflow_Cancellation(t *testing.T) {
	reg := testRegistry(t,
		registry.Manifest{ID: "first", Layer: "foundation", Name: "First"},
		registry.Manifest{ID: "second", Layer: "section", Name: "Second", Dependencies: []string{"first"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := ExecutorFunc(func(ctx context.Context, execCtx ExecutionContext) (*UnitOutput, error) {
		cancel()
		return &UnitOutput{Data: map[string]any{"unit": execCtx.UnitID}}, nil
	})

	eng := New(reg, cancelling)
	result := eng.ExecuteWorkflow(ctx, RunSpec{
		WorkflowID: types.NewID(),
		Plan:       testPlan(t, reg),
	})

	// The in-flight unit drains, later stages never start.
	assert.True(t, result.Cancelled)
	assert.Equal(t, []string{"first"}, result.Completed)
	assert.NotContains(t, result.Completed, "second")
	assert.NotContains(t, result.Failed, "second")
}

func TestEngine_ExecuteWorkflow_EmitsLifecycleEvents(t *testing.T) {
	reg := testRegistry(t, registry.Manifest{ID: "hero", Layer: "section", Name: "Hero"})

	var mu sync.Mutex
	var seen []events.EventType
	emitter := events.NewEmitter()
	for _, eventType := range []events.EventType{
		events.EventStageStarted, events.EventUnitStarted,
		events.EventUnitCompleted, events.EventStageCompleted,
	} {
		emitter.On(eventType, func(event events.Event) {
			mu.Lock()
			seen = append(seen, event.Type)
			mu.Unlock()
		})
	}

	eng := New(reg, echoExecutor(), WithEvents(emitter))
	result := eng.ExecuteWorkflow(context.Background(), RunSpec{
		WorkflowID: types.NewID(),
		Plan:       testPlan(t, reg),
	})

	require.True(t, result.Success())
	assert.Equal(t, []events.EventType{
		events.EventStageStarted,
		events.EventUnitStarted,
		events.EventUnitCompleted,
		events.EventStageCompleted,
	}, seen)
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, policy.Delay(0))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 800*time.Millisecond, policy.Delay(3))
	assert.Equal(t, time.Second, policy.Delay(4), "delay is capped")
	assert.Equal(t, time.Second, policy.Delay(10))

	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3))
}

func TestContextBuilder(t *testing.T) {
	workflowID := types.NewID()
	execCtx := NewContextBuilder(workflowID, "hero").
		WithTenant("acme").
		WithIteration(2).
		WithTrace("trace-123").
		WithParams(map[string]any{"tone": "playful"}).
		WithUpstream("theme", map[string]any{"palette": "dark"}).
		Build()

	assert.Equal(t, workflowID, execCtx.WorkflowID)
	assert.Equal(t, "hero", execCtx.UnitID)
	assert.Equal(t, "acme", execCtx.TenantID)
	assert.Equal(t, 2, execCtx.Iteration)
	assert.Equal(t, "trace-123", execCtx.TraceID)
	assert.False(t, execCtx.ExecutionID.IsZero())
	assert.NotEmpty(t, execCtx.SpanID)
	assert.False(t, execCtx.StartedAt.IsZero())
	assert.Equal(t, "dark", execCtx.Upstream["theme"]["palette"])

	// Trace id is generated when absent.
	generated := NewContextBuilder(workflowID, "footer").Build()
	assert.NotEmpty(t, generated.TraceID)
}
