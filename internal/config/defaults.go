package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/loomhq/loom/internal/refine"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	homeDir := getDefaultHomeDir()

	return &Config{
		Core: CoreConfig{
			HomeDir: homeDir,
			Debug:   false,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(homeDir, "loom.db"),
			BusyTimeout: 5 * time.Second,
			WALMode:     true,
		},
		Engine: EngineConfig{
			MaxParallel: 4,
			UnitTimeout: 2 * time.Minute,
			LockTTL:     5 * time.Minute,
			LockRetries: 3,
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  500 * time.Millisecond,
				MaxDelay:   30 * time.Second,
			},
		},
		Refine: refine.DefaultConfig(),
		Events: EventsConfig{
			BufferSize:    100,
			BatchSize:     32,
			FlushInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// getDefaultHomeDir resolves the application home directory, preferring
// LOOM_HOME over the user's home directory.
func getDefaultHomeDir() string {
	if dir := os.Getenv("LOOM_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}
