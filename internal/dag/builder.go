// Package dag builds dependency graphs over work units, detects cycles, and
// derives staged execution plans consumed by the execution engine.
package dag

import (
	"fmt"
	"sort"

	"github.com/loomhq/loom/internal/types"
)

// Node is one vertex in the dependency graph. Stage is -1 until computed by
// CalculateStages.
type Node struct {
	ID              string   `json:"id"`
	Dependencies    []string `json:"dependencies,omitempty"`
	Dependents      []string `json:"dependents,omitempty"`
	Stage           int      `json:"stage"`
	SiblingsAtStage []string `json:"siblings_at_stage,omitempty"`
}

// Builder accumulates nodes and derives the staged execution plan.
// A Builder instance owns its nodes exclusively; build a fresh one per plan.
type Builder struct {
	nodes  map[string]*Node
	order  []string
	staged bool
}

// NewBuilder creates an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[string]*Node),
	}
}

// AddNode adds a vertex with its dependency edges.
// Adding an id that is already present fails.
func (b *Builder) AddNode(id string, dependencies []string) error {
	if id == "" {
		return types.NewError(types.DAG_INVALID, "node id is required")
	}
	if _, exists := b.nodes[id]; exists {
		return types.NewError(types.NODE_DUPLICATE, fmt.Sprintf("node %q already present", id))
	}

	deps := make([]string, len(dependencies))
	copy(deps, dependencies)

	b.nodes[id] = &Node{
		ID:           id,
		Dependencies: deps,
		Stage:        -1,
	}
	b.order = append(b.order, id)
	b.staged = false
	return nil
}

// Node returns the node registered under id, or nil.
func (b *Builder) Node(id string) *Node {
	return b.nodes[id]
}

// Len returns the number of nodes in the graph.
func (b *Builder) Len() int {
	return len(b.nodes)
}

// Validate checks the structural integrity of the graph: every dependency
// edge must reference a known node, and no dependency path may lead back to
// its origin. All problems found are returned together so callers can report
// them in one pass. Construction must fail closed on any returned error.
func (b *Builder) Validate() []error {
	var errs []error

	for _, id := range b.sortedIDs() {
		for _, dep := range b.nodes[id].Dependencies {
			if _, known := b.nodes[dep]; !known {
				errs = append(errs, types.NewError(types.DEPENDENCY_MISSING,
					fmt.Sprintf("node %q depends on unregistered node %q", id, dep)))
			}
		}
	}

	if cycle := b.findCycle(); cycle != nil {
		errs = append(errs, types.NewError(types.CIRCULAR_DEPENDENCY,
			fmt.Sprintf("cycle detected: %v", cycle)))
	}

	return errs
}

// findCycle runs a depth-first search over dependency edges using the
// white/gray/black coloring scheme. It returns the offending path when a
// gray node is re-entered, or nil for an acyclic graph.
func (b *Builder) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)

	color := make(map[string]int, len(b.nodes))

	var cycle []string
	var dfs func(id string, path []string) bool
	dfs = func(id string, path []string) bool {
		color[id] = gray
		path = append(path, id)

		for _, dep := range b.nodes[id].Dependencies {
			if _, known := b.nodes[dep]; !known {
				continue
			}
			if color[dep] == gray {
				cycle = append(append([]string{}, path...), dep)
				return true
			}
			if color[dep] == white && dfs(dep, path) {
				return true
			}
		}

		color[id] = black
		return false
	}

	for _, id := range b.sortedIDs() {
		if color[id] == white && dfs(id, nil) {
			return cycle
		}
	}
	return nil
}

// CalculateStages assigns each node its dependency depth using Kahn's
// algorithm. Nodes with no dependencies seed stage 0; a full batch of
// zero-in-degree nodes is drained before the stage counter advances, and a
// dependent is assigned currentStage+1 the moment its in-degree reaches zero.
//
// Validate must pass before calling; a graph with cycles or dangling edges
// produces an error here as well (fail closed).
func (b *Builder) CalculateStages() error {
	if errs := b.Validate(); len(errs) > 0 {
		return types.WrapError(types.DAG_INVALID, "cannot stage an invalid graph", errs[0])
	}

	inDegree := make(map[string]int, len(b.nodes))
	dependents := make(map[string][]string, len(b.nodes))
	for id, node := range b.nodes {
		inDegree[id] = len(node.Dependencies)
		for _, dep := range node.Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	// Dependents recorded on each node for plan introspection.
	for id, node := range b.nodes {
		deps := dependents[id]
		sort.Strings(deps)
		node.Dependents = deps
	}

	var batch []string
	for _, id := range b.sortedIDs() {
		if inDegree[id] == 0 {
			b.nodes[id].Stage = 0
			batch = append(batch, id)
		}
	}

	stage := 0
	processed := 0
	for len(batch) > 0 {
		var next []string
		for _, id := range batch {
			processed++
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					b.nodes[dependent].Stage = stage + 1
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		batch = next
		stage++
	}

	if processed != len(b.nodes) {
		// Unreachable after Validate, kept as a guard for direct callers.
		return types.NewError(types.CIRCULAR_DEPENDENCY, "stage computation did not drain the graph")
	}

	b.recordSiblings()
	b.staged = true
	return nil
}

// recordSiblings fills SiblingsAtStage for each node with the ids sharing its
// stage, excluding itself.
func (b *Builder) recordSiblings() {
	byStage := make(map[int][]string)
	for id, node := range b.nodes {
		byStage[node.Stage] = append(byStage[node.Stage], id)
	}
	for _, ids := range byStage {
		sort.Strings(ids)
	}

	for id, node := range b.nodes {
		siblings := make([]string, 0, len(byStage[node.Stage])-1)
		for _, sibling := range byStage[node.Stage] {
			if sibling != id {
				siblings = append(siblings, sibling)
			}
		}
		node.SiblingsAtStage = siblings
	}
}

func (b *Builder) sortedIDs() []string {
	ids := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
