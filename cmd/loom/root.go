package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
)

var (
	configFile   string
	workflowFile string
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - workflow orchestration engine",
	Long: `Loom stages dependency-ordered work units into an execution plan,
runs them with bounded parallelism and drives quality-based refinement
passes until the result settles or the iteration budget runs out.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default $LOOM_HOME/loom.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workflowFile, "file", "f", "", "workflow definition file (YAML)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
}

// loadConfig resolves and loads the configuration, falling back to defaults
// when no file exists.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		home := os.Getenv("LOOM_HOME")
		if home == "" {
			path = "loom.yaml"
		} else {
			path = home + "/loom.yaml"
		}
	}
	return config.NewLoader(config.NewValidator()).LoadWithDefaults(path)
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
