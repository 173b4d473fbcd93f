package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

// pauseGate is the cooperative pause point consulted at stage boundaries.
// While paused, Wait blocks until Resume or until the run context is
// cancelled.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{resume: make(chan struct{})}
}

// Wait blocks while the gate is paused. Returns the context error when the
// run is cancelled during the pause.
func (g *pauseGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		paused := g.paused
		resume := g.resume
		g.mu.Unlock()

		if !paused {
			return ctx.Err()
		}

		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pause closes the gate.
func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

// Resume opens the gate and wakes waiters.
func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

// runHandle tracks one active workflow run.
type runHandle struct {
	cancel context.CancelFunc
	gate   *pauseGate
	done   chan struct{}
	result *Result
	err    error
}

// Controller manages the lifecycle of asynchronous workflow runs:
// start, pause, resume and cancel. Pause and cancel are cooperative;
// in-flight units always drain.
type Controller struct {
	orch   *Orchestrator
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	active map[types.ID]*runHandle
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the structured logger.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a Controller over the given orchestrator and store.
func NewController(orch *Orchestrator, st store.Store, opts ...ControllerOption) *Controller {
	c := &Controller{
		orch:   orch,
		store:  st,
		logger: slog.Default(),
		active: make(map[types.ID]*runHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches a workflow run in the background and returns its id.
// The run outlives the caller's context; use Cancel to stop it.
func (c *Controller) Start(ctx context.Context, spec WorkflowSpec) (types.ID, error) {
	workflowID := types.NewID()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	handle := &runHandle{
		cancel: cancel,
		gate:   newPauseGate(),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.active[workflowID] = handle
	c.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer cancel()

		result, err := c.orch.run(runCtx, workflowID, spec, handle.gate)
		handle.result = result
		handle.err = err
		if err != nil {
			c.logger.Error("workflow run failed to start",
				"workflow_id", workflowID,
				"error", err)
		}

		c.mu.Lock()
		delete(c.active, workflowID)
		c.mu.Unlock()
	}()

	return workflowID, nil
}

// Pause holds the workflow at its next stage boundary. In-flight units
// drain before the pause takes effect.
func (c *Controller) Pause(ctx context.Context, workflowID types.ID) error {
	handle, err := c.handle(workflowID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, workflowID, StatusPaused); err != nil {
		return err
	}
	handle.gate.Pause()
	c.orch.emitWorkflow(ctx, events.EventWorkflowPaused, workflowID, "", nil)
	c.logger.Info("workflow paused", "workflow_id", workflowID)
	return nil
}

// Resume releases a paused workflow.
func (c *Controller) Resume(ctx context.Context, workflowID types.ID) error {
	handle, err := c.handle(workflowID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, workflowID, StatusRunning); err != nil {
		return err
	}
	handle.gate.Resume()
	c.orch.emitWorkflow(ctx, events.EventWorkflowResumed, workflowID, "", nil)
	c.logger.Info("workflow resumed", "workflow_id", workflowID)
	return nil
}

// Cancel requests cooperative cancellation. In-flight units drain; pending
// stages never start. The terminal status is persisted by the run itself.
func (c *Controller) Cancel(ctx context.Context, workflowID types.ID) error {
	handle, err := c.handle(workflowID)
	if err != nil {
		return err
	}
	// Unblock a paused run so it can observe the cancellation.
	handle.gate.Resume()
	handle.cancel()
	c.logger.Info("workflow cancellation requested", "workflow_id", workflowID)
	return nil
}

// Status reads the persisted status of a workflow run.
func (c *Controller) Status(ctx context.Context, workflowID types.ID) (Status, error) {
	rec, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return statusFromStore(rec.Status), nil
}

// Wait blocks until the run finishes and returns its result.
func (c *Controller) Wait(ctx context.Context, workflowID types.ID) (*Result, error) {
	c.mu.Lock()
	handle, ok := c.active[workflowID]
	c.mu.Unlock()
	if !ok {
		// Already finished; report the persisted outcome.
		rec, err := c.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		return &Result{
			WorkflowID: workflowID,
			Status:     statusFromStore(rec.Status),
			Iterations: rec.Iteration,
		}, nil
	}

	select {
	case <-handle.done:
		return handle.result, handle.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handle looks up the active run for the workflow.
func (c *Controller) handle(workflowID types.ID) (*runHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.active[workflowID]
	if !ok {
		return nil, types.NewError(types.WORKFLOW_NOT_FOUND,
			fmt.Sprintf("no active workflow %s", workflowID))
	}
	return handle, nil
}

// transition validates the requested status change against the persisted
// state and applies it.
func (c *Controller) transition(ctx context.Context, workflowID types.ID, to Status) error {
	rec, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	current := statusFromStore(rec.Status)
	if !current.CanTransitionTo(to) {
		return types.NewError(types.WORKFLOW_INVALID_STATE,
			fmt.Sprintf("illegal transition %s -> %s", current, to))
	}
	return c.store.UpdateWorkflowStatus(ctx, workflowID, store.WorkflowUpdate{
		Status: to.storeStatus(),
	})
}
