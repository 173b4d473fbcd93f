package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/dag"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a workflow definition",
	Long: `Validate parses the workflow definition, checks every declared
dependency and rejects cyclic graphs.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	builder, _, err := loadWorkflow()
	if err != nil {
		return err
	}

	if errs := builder.Validate(); len(errs) > 0 {
		for _, e := range errs {
			cmd.PrintErrf("  %v\n", e)
		}
		return types.NewError(types.DAG_INVALID,
			fmt.Sprintf("workflow has %d validation errors", len(errs)))
	}
	if err := builder.CalculateStages(); err != nil {
		return err
	}
	plan, err := builder.ExecutionPlan()
	if err != nil {
		return err
	}

	cmd.Printf("workflow valid: %d units across %d stages\n", plan.UnitCount(), len(plan.Stages))
	return nil
}

// loadWorkflow reads the workflow definition into a registry and graph
// builder. Used by validate, plan and run.
func loadWorkflow() (*dag.Builder, *registry.Registry, error) {
	if workflowFile == "" {
		return nil, nil, types.NewError(types.MANIFEST_INVALID, "no workflow file given (use -f)")
	}

	reg := registry.New()
	if err := registry.LoadManifests(reg, workflowFile); err != nil {
		return nil, nil, err
	}

	builder := dag.NewBuilder()
	for _, id := range reg.IDs() {
		if err := builder.AddNode(id, reg.GetDependencies(id)); err != nil {
			return nil, nil, err
		}
	}
	return builder, reg, nil
}
