// Package registry provides the catalog of work-unit manifests known to the
// engine. It owns dependency validation and dependency-respecting orderings
// used by the DAG builder and the orchestrator.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loomhq/loom/internal/types"
)

// Manifest describes one class of schedulable work. Manifests are immutable
// once registered; re-registering an id replaces the previous manifest.
type Manifest struct {
	ID           string   `json:"id" yaml:"id"`
	Layer        string   `json:"layer" yaml:"layer"`
	Name         string   `json:"name" yaml:"name"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Registry is the catalog of registered work-unit manifests.
// Construct one explicitly per process and pass it by reference; there is no
// package-level singleton.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
	logger    *slog.Logger
}

// Option is a functional option for configuring a Registry.
type Option func(*Registry)

// WithLogger configures the registry to use the specified structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		manifests: make(map[string]Manifest),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a manifest to the catalog. The id, layer, and name fields are
// required. Registering an id that already exists logs a warning and
// overwrites the previous manifest (deterministic last-write-wins).
func (r *Registry) Register(m Manifest) error {
	if m.ID == "" {
		return types.NewError(types.MANIFEST_INVALID, "manifest id is required")
	}
	if m.Layer == "" {
		return types.NewError(types.MANIFEST_INVALID, fmt.Sprintf("manifest %q: layer is required", m.ID))
	}
	if m.Name == "" {
		return types.NewError(types.MANIFEST_INVALID, fmt.Sprintf("manifest %q: name is required", m.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifests[m.ID]; exists {
		r.logger.Warn("overwriting registered work unit",
			"unit_id", m.ID,
			"layer", m.Layer,
		)
	}
	r.manifests[m.ID] = m
	return nil
}

// Get returns the manifest registered under id, if any.
func (r *Registry) Get(id string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[id]
	return m, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns all registered unit ids, sorted for deterministic iteration.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.manifests))
	for id := range r.manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetDependencies returns the declared dependencies of id.
// Unknown ids yield an empty slice, never nil access.
func (r *Registry) GetDependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[id]
	if !ok || len(m.Dependencies) == 0 {
		return []string{}
	}
	deps := make([]string, len(m.Dependencies))
	copy(deps, m.Dependencies)
	return deps
}

// ValidateDependencies returns the subset of id's declared dependencies that
// are not themselves registered. An empty result means the unit is fully
// resolvable.
func (r *Registry) ValidateDependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[id]
	if !ok {
		return []string{}
	}

	var missing []string
	for _, dep := range m.Dependencies {
		if _, registered := r.manifests[dep]; !registered {
			missing = append(missing, dep)
		}
	}
	return missing
}

// ExecutionOrder returns a dependency-respecting linearization of ids:
// dependencies before dependents, each id emitted exactly once. Dependencies
// outside the requested set are ignored. Ids are visited in sorted order so
// the result is deterministic.
func (r *Registry) ExecutionOrder(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	visited := make(map[string]bool, len(ids))
	order := make([]string, 0, len(ids))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] || !requested[id] {
			return
		}
		visited[id] = true
		if m, ok := r.manifests[id]; ok {
			for _, dep := range m.Dependencies {
				visit(dep)
			}
		}
		order = append(order, id)
	}

	for _, id := range sorted {
		visit(id)
	}
	return order
}

// ParallelGroups partitions ids into groups of mutually independent units.
// Each pass extracts the remaining units whose dependencies (restricted to the
// remaining set) are all satisfied. A pass that extracts nothing means the
// requested set contains a dependency cycle and the call fails.
func (r *Registry) ParallelGroups(ids []string) ([][]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	remaining := make(map[string]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}

	var groups [][]string
	for len(remaining) > 0 {
		var group []string
		for id := range remaining {
			blocked := false
			if m, ok := r.manifests[id]; ok {
				for _, dep := range m.Dependencies {
					if remaining[dep] {
						blocked = true
						break
					}
				}
			}
			if !blocked {
				group = append(group, id)
			}
		}

		if len(group) == 0 {
			return nil, types.NewError(types.CIRCULAR_DEPENDENCY,
				fmt.Sprintf("circular dependency among requested units: %v", keysOf(remaining)))
		}

		sort.Strings(group)
		for _, id := range group {
			delete(remaining, id)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func keysOf(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
