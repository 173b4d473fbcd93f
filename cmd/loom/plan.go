package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/dag"
)

var planMaxParallel int

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the staged execution plan for a workflow",
	Long: `Plan stages the workflow's units with Kahn's algorithm and prints
each stage with its units and parallelism. With --max-parallel, wide
stages are split to respect the concurrency bound.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().IntVar(&planMaxParallel, "max-parallel", 0, "split stages wider than this bound (0 = no split)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	builder, _, err := loadWorkflow()
	if err != nil {
		return err
	}
	if err := builder.CalculateStages(); err != nil {
		return err
	}
	plan, err := builder.ExecutionPlan()
	if err != nil {
		return err
	}
	if planMaxParallel > 0 {
		plan = dag.OptimizeExecutionPlan(plan, planMaxParallel)
	}

	cmd.Printf("%d units across %d stages\n\n", plan.UnitCount(), len(plan.Stages))
	for _, stage := range plan.Stages {
		mode := "sequential"
		if stage.Parallelizable {
			mode = "parallel"
		}
		cmd.Printf("stage %d (%s): %s\n", stage.Stage, mode, strings.Join(stage.UnitIDs, ", "))
	}
	return nil
}
