// Package refine implements the quality-driven refinement loop. After a
// workflow pass completes, quality evaluations are aggregated into metrics
// and a bounded decision procedure determines whether a targeted re-run of
// specific work units is warranted.
package refine

import (
	"fmt"
	"log/slog"
	"sort"
)

// Evaluation is one quality measurement for a work unit along a dimension.
// Scores are recorded against a dimension-specific maximum so that rubrics
// with different scales aggregate cleanly.
type Evaluation struct {
	UnitID    string  `json:"unit_id"`
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
	MaxScore  float64 `json:"max_score"`
}

// DimensionMetric aggregates all evaluations for a single dimension.
type DimensionMetric struct {
	// MeanScore is the mean raw score across samples
	MeanScore float64 `json:"mean_score"`

	// MeanMaxScore is the mean maximum across samples
	MeanMaxScore float64 `json:"mean_max_score"`

	// Normalized is MeanScore / MeanMaxScore, in [0, 1]
	Normalized float64 `json:"normalized"`

	// Samples is the number of evaluations aggregated
	Samples int `json:"samples"`
}

// Metrics is the aggregate quality picture for one workflow pass.
type Metrics struct {
	// OverallScore is the unweighted mean of the normalized dimension scores
	OverallScore float64 `json:"overall_score"`

	// Dimensions maps dimension name to its aggregated metric
	Dimensions map[string]DimensionMetric `json:"dimensions"`
}

// ComputeMetrics aggregates evaluations into per-dimension metrics and an
// overall score. Evaluations with a non-positive MaxScore are ignored.
func ComputeMetrics(evaluations []Evaluation) Metrics {
	type accum struct {
		score, max float64
		n          int
	}
	byDim := make(map[string]*accum)

	for _, eval := range evaluations {
		if eval.MaxScore <= 0 {
			continue
		}
		acc, ok := byDim[eval.Dimension]
		if !ok {
			acc = &accum{}
			byDim[eval.Dimension] = acc
		}
		acc.score += eval.Score
		acc.max += eval.MaxScore
		acc.n++
	}

	metrics := Metrics{Dimensions: make(map[string]DimensionMetric, len(byDim))}
	var total float64
	for dim, acc := range byDim {
		mean := acc.score / float64(acc.n)
		meanMax := acc.max / float64(acc.n)
		normalized := mean / meanMax
		metrics.Dimensions[dim] = DimensionMetric{
			MeanScore:    mean,
			MeanMaxScore: meanMax,
			Normalized:   normalized,
			Samples:      acc.n,
		}
		total += normalized
	}
	if len(byDim) > 0 {
		metrics.OverallScore = total / float64(len(byDim))
	}
	return metrics
}

// FailedDimensions returns the dimensions whose normalized score falls below
// their threshold, sorted by name. A per-dimension threshold overrides the
// global one.
func (m Metrics) FailedDimensions(global float64, perDimension map[string]float64) []string {
	var failed []string
	for dim, metric := range m.Dimensions {
		threshold := global
		if override, ok := perDimension[dim]; ok {
			threshold = override
		}
		if metric.Normalized < threshold {
			failed = append(failed, dim)
		}
	}
	sort.Strings(failed)
	return failed
}

// PassedDimensions returns the dimensions that met their threshold, sorted
// by name.
func (m Metrics) PassedDimensions(global float64, perDimension map[string]float64) []string {
	var passed []string
	for dim, metric := range m.Dimensions {
		threshold := global
		if override, ok := perDimension[dim]; ok {
			threshold = override
		}
		if metric.Normalized >= threshold {
			passed = append(passed, dim)
		}
	}
	sort.Strings(passed)
	return passed
}

// Config controls the refinement loop.
type Config struct {
	// Enabled turns the loop on. When false every decision is "no refine".
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// MaxIterations bounds the number of refinement passes per workflow
	MaxIterations int `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`

	// QualityThreshold is the global normalized score a dimension must meet
	QualityThreshold float64 `json:"quality_threshold" yaml:"quality_threshold" mapstructure:"quality_threshold"`

	// DimensionThresholds overrides QualityThreshold per dimension
	DimensionThresholds map[string]float64 `json:"dimension_thresholds,omitempty" yaml:"dimension_thresholds,omitempty" mapstructure:"dimension_thresholds"`
}

// DefaultConfig returns the refinement defaults used when no configuration
// is supplied.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxIterations:    3,
		QualityThreshold: 0.75,
	}
}

// TargetMap resolves a failed quality dimension to the work units that can
// improve it. Implementations are domain-specific and injected by the
// caller.
type TargetMap interface {
	// UnitsFor returns the unit ids capable of improving the dimension.
	// An empty slice means no unit owns the dimension.
	UnitsFor(dimension string) []string
}

// StaticTargetMap is a TargetMap backed by a fixed dimension-to-units table.
type StaticTargetMap map[string][]string

// UnitsFor implements TargetMap.
func (m StaticTargetMap) UnitsFor(dimension string) []string {
	return m[dimension]
}

// Decision is the outcome of one refinement check.
type Decision struct {
	// Refine reports whether another targeted pass should run
	Refine bool `json:"refine"`

	// Reason explains the decision in human-readable form
	Reason string `json:"reason"`

	// TargetUnitIDs lists the units to re-run, sorted and deduplicated.
	// Empty unless Refine is true.
	TargetUnitIDs []string `json:"target_unit_ids,omitempty"`

	// Metrics is the aggregate quality picture the decision was based on
	Metrics Metrics `json:"metrics"`
}

// Engine decides whether a workflow pass needs refinement.
type Engine struct {
	config  Config
	targets TargetMap
	logger  *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a refinement engine. targets may be nil, in which case
// no dimension resolves to any unit and every decision is "no refine" once
// the quality gate fails.
func NewEngine(config Config, targets TargetMap, opts ...EngineOption) *Engine {
	e := &Engine{
		config:  config,
		targets: targets,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxIterations returns the configured refinement budget.
func (e *Engine) MaxIterations() int {
	return e.config.MaxIterations
}

// Decide runs the ordered decision checks for the given iteration. The
// iteration is the number of refinement passes already performed, so the
// first check after the initial pass is called with iteration 0.
//
// The checks run in a fixed order and the first that fires wins:
//
//  1. refinement disabled
//  2. iteration budget exhausted
//  3. no evaluations recorded
//  4. overall score meets the quality threshold
//  5. failed dimensions resolve to no units
//  6. refine with the resolved target set
func (e *Engine) Decide(iteration int, evaluations []Evaluation) Decision {
	metrics := ComputeMetrics(evaluations)

	if !e.config.Enabled {
		return Decision{Reason: "refinement disabled", Metrics: metrics}
	}

	if iteration >= e.config.MaxIterations {
		e.logger.Info("refinement budget exhausted",
			"iteration", iteration,
			"max_iterations", e.config.MaxIterations)
		return Decision{
			Reason:  fmt.Sprintf("max iterations reached (%d)", e.config.MaxIterations),
			Metrics: metrics,
		}
	}

	if len(metrics.Dimensions) == 0 {
		return Decision{Reason: "no quality evaluations recorded", Metrics: metrics}
	}

	if metrics.OverallScore >= e.config.QualityThreshold {
		return Decision{
			Reason:  fmt.Sprintf("quality threshold met (overall %.2f)", metrics.OverallScore),
			Metrics: metrics,
		}
	}

	failed := metrics.FailedDimensions(e.config.QualityThreshold, e.config.DimensionThresholds)
	targets := e.resolveTargets(failed)
	if len(targets) == 0 {
		e.logger.Warn("failed dimensions have no refinable units",
			"dimensions", failed)
		return Decision{
			Reason:  "no refinable units for failed dimensions",
			Metrics: metrics,
		}
	}

	e.logger.Info("refinement triggered",
		"iteration", iteration,
		"failed_dimensions", failed,
		"target_units", targets,
		"overall_score", metrics.OverallScore)

	return Decision{
		Refine:        true,
		Reason:        fmt.Sprintf("dimensions below threshold: %v", failed),
		TargetUnitIDs: targets,
		Metrics:       metrics,
	}
}

// resolveTargets maps failed dimensions to a sorted, deduplicated unit set.
func (e *Engine) resolveTargets(failed []string) []string {
	if e.targets == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, dim := range failed {
		for _, unit := range e.targets.UnitsFor(dim) {
			seen[unit] = struct{}{}
		}
	}
	targets := make([]string, 0, len(seen))
	for unit := range seen {
		targets = append(targets, unit)
	}
	sort.Strings(targets)
	return targets
}
