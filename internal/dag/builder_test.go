package dag

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/types"
)

func TestAddNodeRejectsDuplicates(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddNode("a", nil))

	err := b.AddNode("a", nil)
	require.Error(t, err)
	assert.Equal(t, types.NODE_DUPLICATE, types.CodeOf(err))
}

func TestAddNodeRequiresID(t *testing.T) {
	b := NewBuilder()
	assert.Error(t, b.AddNode("", nil))
}

func TestValidateReportsMissingDependency(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddNode("a", []string{"ghost"}))

	errs := b.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, types.DEPENDENCY_MISSING, types.CodeOf(errs[0]))
}

func TestValidateReportsCycle(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddNode("a", []string{"c"}))
	require.NoError(t, b.AddNode("b", []string{"a"}))
	require.NoError(t, b.AddNode("c", []string{"b"}))

	errs := b.Validate()
	require.NotEmpty(t, errs)
	assert.Equal(t, types.CIRCULAR_DEPENDENCY, types.CodeOf(errs[0]))
}

func TestValidateAcceptsDiamond(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddNode("root", nil))
	require.NoError(t, b.AddNode("left", []string{"root"}))
	require.NoError(t, b.AddNode("right", []string{"root"}))
	require.NoError(t, b.AddNode("join", []string{"left", "right"}))

	assert.Empty(t, b.Validate())
}

func TestCalculateStagesFailsClosedOnCycle(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddNode("x", []string{"y"}))
	require.NoError(t, b.AddNode("y", []string{"x"}))

	err := b.CalculateStages()
	require.Error(t, err)

	_, planErr := b.ExecutionPlan()
	assert.Error(t, planErr, "plan must not be derivable from an unstaged graph")
}

func TestCalculateStagesDepths(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddNode("a", nil))
	require.NoError(t, b.AddNode("b", nil))
	require.NoError(t, b.AddNode("c", []string{"a", "b"}))
	require.NoError(t, b.AddNode("d", []string{"c"}))
	require.NoError(t, b.AddNode("e", []string{"a"}))

	require.NoError(t, b.CalculateStages())

	assert.Equal(t, 0, b.Node("a").Stage)
	assert.Equal(t, 0, b.Node("b").Stage)
	assert.Equal(t, 1, b.Node("c").Stage)
	assert.Equal(t, 1, b.Node("e").Stage)
	assert.Equal(t, 2, b.Node("d").Stage)

	assert.Equal(t, []string{"e"}, b.Node("c").SiblingsAtStage)
	assert.Equal(t, []string{"c", "e"}, b.Node("a").Dependents)
}

// Stage monotonicity: for every edge dep -> node, stage(node) > stage(dep).
func TestStageMonotonicityOnRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		b := NewBuilder()
		n := 5 + rng.Intn(20)
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = fmt.Sprintf("u%02d", i)
			// Only depend on earlier ids, which guarantees acyclicity.
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, ids[j])
				}
			}
			require.NoError(t, b.AddNode(ids[i], deps))
		}

		require.Empty(t, b.Validate())
		require.NoError(t, b.CalculateStages())

		for _, id := range ids {
			node := b.Node(id)
			require.GreaterOrEqual(t, node.Stage, 0)
			for _, dep := range node.Dependencies {
				assert.Greater(t, node.Stage, b.Node(dep).Stage,
					"stage(%s) must exceed stage of dependency %s", id, dep)
			}
		}
	}
}

// Introducing a back edge into a random DAG must always be reported.
func TestRandomCycleAlwaysDetected(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 20; trial++ {
		b := NewBuilder()
		n := 4 + rng.Intn(10)
		for i := 0; i < n; i++ {
			var deps []string
			if i > 0 {
				deps = append(deps, fmt.Sprintf("u%02d", i-1))
			}
			if i == n-1 {
				// Back edge from the chain tail to its head.
				deps = append(deps, "cyclehead")
			}
			id := fmt.Sprintf("u%02d", i)
			if i == 0 {
				id = "cyclehead"
				deps = []string{fmt.Sprintf("u%02d", n-1)}
			}
			require.NoError(t, b.AddNode(id, deps))
		}

		errs := b.Validate()
		require.NotEmpty(t, errs, "trial %d: cycle must be reported", trial)
	}
}

func TestExecutionPlanGrouping(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddNode("a", nil))
	require.NoError(t, b.AddNode("b", nil))
	require.NoError(t, b.AddNode("c", []string{"a", "b"}))
	require.NoError(t, b.CalculateStages())

	plan, err := b.ExecutionPlan()
	require.NoError(t, err)
	require.Len(t, plan.Stages, 2)

	assert.Equal(t, []string{"a", "b"}, plan.Stages[0].UnitIDs)
	assert.True(t, plan.Stages[0].Parallelizable)

	assert.Equal(t, []string{"c"}, plan.Stages[1].UnitIDs)
	assert.False(t, plan.Stages[1].Parallelizable)

	assert.Equal(t, 3, plan.UnitCount())
}

func TestOptimizeExecutionPlanSplitsWideStages(t *testing.T) {
	b := NewBuilder()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.AddNode(id, nil))
	}
	require.NoError(t, b.AddNode("tail", []string{"a"}))
	require.NoError(t, b.CalculateStages())

	plan, err := b.ExecutionPlan()
	require.NoError(t, err)

	optimized := OptimizeExecutionPlan(plan, 2)
	require.Len(t, optimized.Stages, 4)

	assert.Equal(t, []string{"a", "b"}, optimized.Stages[0].UnitIDs)
	assert.Equal(t, []string{"c", "d"}, optimized.Stages[1].UnitIDs)
	assert.Equal(t, []string{"e"}, optimized.Stages[2].UnitIDs)
	assert.False(t, optimized.Stages[2].Parallelizable)
	assert.Equal(t, []string{"tail"}, optimized.Stages[3].UnitIDs)

	// Stage numbers re-sequenced.
	for i, stage := range optimized.Stages {
		assert.Equal(t, i, stage.Stage)
	}

	// Original plan untouched.
	assert.Len(t, plan.Stages, 2)
}

func TestOptimizeExecutionPlanNoOpCases(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.AddNode("a", nil))
	require.NoError(t, b.CalculateStages())

	plan, err := b.ExecutionPlan()
	require.NoError(t, err)

	assert.Same(t, plan, OptimizeExecutionPlan(plan, 0))
	assert.Nil(t, OptimizeExecutionPlan(nil, 3))

	split := OptimizeExecutionPlan(plan, 10)
	assert.Equal(t, plan.Stages, split.Stages)
}
