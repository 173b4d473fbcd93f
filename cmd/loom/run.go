package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/lock"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/refine"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

var runMemoryStore bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow with the built-in echo executor",
	Long: `Run executes the workflow end to end with a no-op executor that
echoes each unit's id. Useful for exercising staging, locking,
persistence and events without a generation backend.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runMemoryStore, "memory", false, "use the in-memory store regardless of config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	_, reg, err := loadWorkflow()
	if err != nil {
		return err
	}

	st, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	stream := events.NewMemoryStream()
	published := events.NewBatchingPublisher(stream,
		events.WithBatchSize(cfg.Events.BatchSize),
		events.WithFlushInterval(cfg.Events.FlushInterval),
		events.WithBatchLogger(logger))
	defer published.Close()

	emitter := events.NewEmitter(
		events.WithEmitterLogger(logger),
		events.WithStreamPublisher(published))
	emitter.On(events.EventUnitCompleted, func(event events.Event) {
		cmd.Printf("  done %s\n", event.UnitID)
	})
	emitter.On(events.EventUnitFailed, func(event events.Event) {
		cmd.Printf("  FAIL %s\n", event.UnitID)
	})
	emitter.On(events.EventUnitSkipped, func(event events.Event) {
		cmd.Printf("  skip %s\n", event.UnitID)
	})

	echo := engine.ExecutorFunc(func(ctx context.Context, execCtx engine.ExecutionContext) (*engine.UnitOutput, error) {
		return &engine.UnitOutput{Data: map[string]any{"unit": execCtx.UnitID}}, nil
	})

	eng := engine.New(reg, echo,
		engine.WithStore(st),
		engine.WithLock(lock.NewMemoryProvider(lock.WithLogger(logger))),
		engine.WithEvents(emitter),
		engine.WithLogger(logger),
		engine.WithMaxParallel(cfg.Engine.MaxParallel),
		engine.WithUnitTimeout(cfg.Engine.UnitTimeout),
		engine.WithLockTTL(cfg.Engine.LockTTL),
		engine.WithLockRetries(cfg.Engine.LockRetries),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxRetries: cfg.Engine.Retry.MaxRetries,
			BaseDelay:  cfg.Engine.Retry.BaseDelay,
			MaxDelay:   cfg.Engine.Retry.MaxDelay,
		}))

	refiner := refine.NewEngine(cfg.Refine, nil, refine.WithLogger(logger))
	orch := orchestrator.New(reg, eng, st, refiner,
		orchestrator.WithEvents(emitter),
		orchestrator.WithLogger(logger))

	name := strings.TrimSuffix(workflowFile, ".yaml")
	result, err := orch.ExecuteWorkflow(cmd.Context(), orchestrator.WorkflowSpec{Name: name})
	if err != nil {
		return err
	}

	cmd.Printf("\nworkflow %s: %s\n", result.WorkflowID, result.Status)
	cmd.Printf("  completed %d, failed %d, skipped %d (%.2fs)\n",
		len(result.Completed), len(result.Failed), len(result.Skipped),
		result.Duration.Seconds())

	published.Close()
	if stored, err := stream.ReadFrom(cmd.Context(), 0); err == nil {
		cmd.Printf("  %d events recorded\n", len(stored))
	}

	if result.Status != orchestrator.StatusCompleted {
		return types.NewError(types.UNIT_EXECUTION_FAILED,
			fmt.Sprintf("workflow finished %s", result.Status))
	}
	return nil
}

// openStore builds the configured store backend.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	if runMemoryStore || cfg.Store.Driver == "memory" {
		return store.NewMemoryStore(), func() {}, nil
	}
	sqliteCfg := store.DefaultSQLiteConfig(cfg.Store.Path)
	if cfg.Store.BusyTimeout > 0 {
		sqliteCfg.BusyTimeout = cfg.Store.BusyTimeout
	}
	sqliteCfg.WALMode = cfg.Store.WALMode
	sq, err := store.OpenSQLiteWithConfig(sqliteCfg)
	if err != nil {
		return nil, nil, err
	}
	return sq, func() { _ = sq.Close() }, nil
}
