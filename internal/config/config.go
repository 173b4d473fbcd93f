// Package config defines the root configuration for the Loom engine and its
// YAML loader. Configuration files support ${VAR_NAME} environment variable
// interpolation.
package config

import (
	"time"

	"github.com/loomhq/loom/internal/refine"
)

// Config is the root configuration for the Loom engine.
type Config struct {
	Core    CoreConfig    `mapstructure:"core" yaml:"core"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Refine  refine.Config `mapstructure:"refine" yaml:"refine"`
	Events  EventsConfig  `mapstructure:"events" yaml:"events"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CoreConfig contains core application settings.
type CoreConfig struct {
	HomeDir string `mapstructure:"home_dir" yaml:"home_dir"`
	Debug   bool   `mapstructure:"debug" yaml:"debug"`
}

// StoreConfig contains persistence configuration.
type StoreConfig struct {
	// Driver selects the backend: "sqlite" or "memory"
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the SQLite database file, ignored for the memory driver
	Path string `mapstructure:"path" yaml:"path"`

	// BusyTimeout is the SQLite busy handler timeout
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`

	// WALMode enables write-ahead logging
	WALMode bool `mapstructure:"wal_mode" yaml:"wal_mode"`
}

// EngineConfig contains execution engine settings.
type EngineConfig struct {
	// MaxParallel bounds concurrent unit executions within a stage
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`

	// UnitTimeout bounds a single execution attempt; zero disables it
	UnitTimeout time.Duration `mapstructure:"unit_timeout" yaml:"unit_timeout"`

	// LockTTL is the lease duration for per-unit execution locks
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`

	// LockRetries is the bounded retry budget for lock acquisition
	LockRetries int `mapstructure:"lock_retries" yaml:"lock_retries"`

	// Retry controls per-unit retry behavior
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig contains exponential backoff settings.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// EventsConfig contains event bus and durable stream settings.
type EventsConfig struct {
	// BufferSize is the default subscriber channel buffer
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`

	// BatchSize is the durable stream batch flush threshold
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// FlushInterval is the maximum time events sit in the stream buffer
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}
