package engine

import (
	"time"

	"github.com/loomhq/loom/internal/types"
)

// ExecutionContext carries everything a work unit needs for one execution
// attempt: identity, tenancy, iteration, tracing, caller-supplied parameters
// and the outputs of upstream units.
type ExecutionContext struct {
	// WorkflowID identifies the workflow run
	WorkflowID types.ID `json:"workflow_id"`

	// ExecutionID uniquely identifies this execution attempt chain
	ExecutionID types.ID `json:"execution_id"`

	// UnitID names the work unit being executed
	UnitID string `json:"unit_id"`

	// TenantID scopes the execution to a tenant (empty for single-tenant)
	TenantID string `json:"tenant_id,omitempty"`

	// Iteration is the refinement pass this execution belongs to (0 = initial)
	Iteration int `json:"iteration"`

	// TraceID correlates executions across a workflow run
	TraceID string `json:"trace_id"`

	// SpanID identifies this execution within the trace
	SpanID string `json:"span_id"`

	// StartedAt is when the context was built
	StartedAt time.Time `json:"started_at"`

	// Params are the caller-supplied parameters for the unit
	Params map[string]any `json:"params,omitempty"`

	// Upstream holds the outputs of the unit's dependencies, keyed by unit id
	Upstream map[string]map[string]any `json:"upstream,omitempty"`
}

// ContextBuilder assembles ExecutionContexts. Zero-value fields are filled
// at Build time: ExecutionID and SpanID are generated, TraceID falls back
// to a fresh id, StartedAt is stamped with the current time.
type ContextBuilder struct {
	ctx ExecutionContext
}

// NewContextBuilder starts a builder for the given workflow and unit.
func NewContextBuilder(workflowID types.ID, unitID string) *ContextBuilder {
	return &ContextBuilder{ctx: ExecutionContext{
		WorkflowID: workflowID,
		UnitID:     unitID,
	}}
}

// WithTenant sets the tenant scope.
func (b *ContextBuilder) WithTenant(tenantID string) *ContextBuilder {
	b.ctx.TenantID = tenantID
	return b
}

// WithIteration sets the refinement iteration.
func (b *ContextBuilder) WithIteration(iteration int) *ContextBuilder {
	b.ctx.Iteration = iteration
	return b
}

// WithTrace sets the trace id. An empty trace id is replaced at Build time.
func (b *ContextBuilder) WithTrace(traceID string) *ContextBuilder {
	b.ctx.TraceID = traceID
	return b
}

// WithParams sets the caller-supplied parameters.
func (b *ContextBuilder) WithParams(params map[string]any) *ContextBuilder {
	b.ctx.Params = params
	return b
}

// WithUpstream records the output of one upstream dependency.
func (b *ContextBuilder) WithUpstream(unitID string, output map[string]any) *ContextBuilder {
	if b.ctx.Upstream == nil {
		b.ctx.Upstream = make(map[string]map[string]any)
	}
	b.ctx.Upstream[unitID] = output
	return b
}

// Build finalizes the context, generating ids and stamping the start time.
func (b *ContextBuilder) Build() ExecutionContext {
	ctx := b.ctx
	ctx.ExecutionID = types.NewID()
	ctx.SpanID = types.NewID().String()
	if ctx.TraceID == "" {
		ctx.TraceID = types.NewID().String()
	}
	ctx.StartedAt = time.Now()
	return ctx
}
