package config

import (
	"fmt"

	"github.com/loomhq/loom/internal/types"
)

// Validator checks a Config for consistency.
type Validator interface {
	Validate(cfg *Config) error
}

// defaultValidator implements Validator with structural checks.
type defaultValidator struct{}

// NewValidator creates the standard Validator.
func NewValidator() Validator {
	return defaultValidator{}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"json": true, "text": true,
}

var validStoreDrivers = map[string]bool{
	"sqlite": true, "memory": true,
}

// Validate checks the configuration and returns the first violation found.
func (defaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "config is nil")
	}

	if !validStoreDrivers[cfg.Store.Driver] {
		return invalid("store.driver must be one of sqlite, memory, got %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		return invalid("store.path is required for the sqlite driver")
	}
	if cfg.Store.BusyTimeout < 0 {
		return invalid("store.busy_timeout must not be negative")
	}

	if cfg.Engine.MaxParallel < 1 || cfg.Engine.MaxParallel > 100 {
		return invalid("engine.max_parallel must be between 1 and 100, got %d", cfg.Engine.MaxParallel)
	}
	if cfg.Engine.UnitTimeout < 0 {
		return invalid("engine.unit_timeout must not be negative")
	}
	if cfg.Engine.LockTTL <= 0 {
		return invalid("engine.lock_ttl must be positive")
	}
	if cfg.Engine.LockRetries < 0 {
		return invalid("engine.lock_retries must not be negative")
	}
	if cfg.Engine.Retry.MaxRetries < 0 {
		return invalid("engine.retry.max_retries must not be negative")
	}
	if cfg.Engine.Retry.BaseDelay < 0 || cfg.Engine.Retry.MaxDelay < 0 {
		return invalid("engine.retry delays must not be negative")
	}
	if cfg.Engine.Retry.MaxDelay > 0 && cfg.Engine.Retry.BaseDelay > cfg.Engine.Retry.MaxDelay {
		return invalid("engine.retry.base_delay exceeds max_delay")
	}

	if cfg.Refine.MaxIterations < 0 {
		return invalid("refine.max_iterations must not be negative")
	}
	if cfg.Refine.QualityThreshold < 0 || cfg.Refine.QualityThreshold > 1 {
		return invalid("refine.quality_threshold must be in [0, 1], got %v", cfg.Refine.QualityThreshold)
	}
	for dim, threshold := range cfg.Refine.DimensionThresholds {
		if threshold < 0 || threshold > 1 {
			return invalid("refine.dimension_thresholds[%s] must be in [0, 1], got %v", dim, threshold)
		}
	}

	if cfg.Events.BufferSize < 1 {
		return invalid("events.buffer_size must be positive")
	}
	if cfg.Events.BatchSize < 1 {
		return invalid("events.batch_size must be positive")
	}
	if cfg.Events.FlushInterval <= 0 {
		return invalid("events.flush_interval must be positive")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return invalid("logging.level must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return invalid("logging.format must be json or text, got %q", cfg.Logging.Format)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return types.NewError(types.CONFIG_VALIDATION_FAILED, fmt.Sprintf(format, args...))
}
