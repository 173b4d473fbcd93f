package dag

import (
	"sort"

	"github.com/loomhq/loom/internal/types"
)

// Stage is one batch of the execution plan. Parallelizable is true iff the
// stage has more than one member. UnitIDs are sorted by id, which makes plan
// generation and sub-stage splitting deterministic.
type Stage struct {
	Stage          int      `json:"stage"`
	UnitIDs        []string `json:"unit_ids"`
	Parallelizable bool     `json:"parallelizable"`
}

// Plan is the ordered list of stages derived from a staged graph.
// It is read-only: regenerate it by rebuilding the graph.
type Plan struct {
	Stages []Stage `json:"stages"`
}

// UnitCount returns the total number of units across all stages.
func (p *Plan) UnitCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.UnitIDs)
	}
	return n
}

// ExecutionPlan groups nodes by computed stage, ascending. CalculateStages
// must have been called first.
func (b *Builder) ExecutionPlan() (*Plan, error) {
	if !b.staged {
		return nil, types.NewError(types.DAG_INVALID, "execution plan requires staged graph; call CalculateStages first")
	}

	byStage := make(map[int][]string)
	maxStage := 0
	for id, node := range b.nodes {
		byStage[node.Stage] = append(byStage[node.Stage], id)
		if node.Stage > maxStage {
			maxStage = node.Stage
		}
	}

	plan := &Plan{Stages: make([]Stage, 0, maxStage+1)}
	for stage := 0; stage <= maxStage; stage++ {
		ids := byStage[stage]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		plan.Stages = append(plan.Stages, Stage{
			Stage:          stage,
			UnitIDs:        ids,
			Parallelizable: len(ids) > 1,
		})
	}
	return plan, nil
}

// OptimizeExecutionPlan splits any stage wider than maxParallel into ordered
// sub-stages of at most maxParallel members. Members keep their sorted order,
// so the split is deterministic. Stage numbers are re-sequenced after the
// split. maxParallel <= 0 returns the plan unchanged.
func OptimizeExecutionPlan(plan *Plan, maxParallel int) *Plan {
	if plan == nil || maxParallel <= 0 {
		return plan
	}

	optimized := &Plan{}
	seq := 0
	for _, stage := range plan.Stages {
		ids := stage.UnitIDs
		for start := 0; start < len(ids); start += maxParallel {
			end := start + maxParallel
			if end > len(ids) {
				end = len(ids)
			}
			chunk := make([]string, end-start)
			copy(chunk, ids[start:end])
			optimized.Stages = append(optimized.Stages, Stage{
				Stage:          seq,
				UnitIDs:        chunk,
				Parallelizable: len(chunk) > 1,
			})
			seq++
		}
	}
	return optimized
}
