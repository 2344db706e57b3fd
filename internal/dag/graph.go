package dag

import (
	"sort"

	"github.com/dagucloud/pipeline/internal/pipeerr"
)

// Graph is the frozen output of Build: node specs indexed by id, forward
// and reverse adjacency, and a deterministic topological order. Nothing on
// Graph is mutated after Build returns.
type Graph struct {
	nodesByID   map[string]NodeSpec
	deps        map[string][]string
	reverseDeps map[string][]string
	topoOrder   []string
}

// Build validates a node set and computes its topological order, following
// the five strict steps of spec.md §4.3 in order, each raising a distinct
// error kind.
func Build(specs []NodeSpec) (*Graph, error) {
	nodesByID := make(map[string]NodeSpec, len(specs))
	deps := make(map[string][]string, len(specs))
	reverseDeps := make(map[string][]string, len(specs))

	// Step 1: duplicate-id detection.
	for _, spec := range specs {
		if _, exists := nodesByID[spec.ID]; exists {
			return nil, pipeerr.DuplicateNode(spec.ID)
		}
		nodesByID[spec.ID] = spec
	}

	// Step 2: record deps, initialise reverseDeps for every node.
	for _, spec := range specs {
		deps[spec.ID] = append([]string(nil), spec.Deps...)
		if _, ok := reverseDeps[spec.ID]; !ok {
			reverseDeps[spec.ID] = nil
		}
	}

	// Step 3: validate each dep exists; append to reverseDeps[dep].
	for _, spec := range specs {
		for _, depID := range spec.Deps {
			if _, ok := nodesByID[depID]; !ok {
				return nil, pipeerr.MissingDependency(spec.ID, depID)
			}
			reverseDeps[depID] = append(reverseDeps[depID], spec.ID)
		}
	}

	// Step 4: Kahn's algorithm with deterministic tie-breaking. The ready
	// queue is seeded with dep-free ids in ascending order; whenever a
	// completion unlocks multiple dependents, they are enqueued in
	// ascending id order too, so two equal graphs always yield the same
	// topo_order regardless of NodeSpec submission order.
	inDegree := make(map[string]int, len(nodesByID))
	for id, d := range deps {
		inDegree[id] = len(d)
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	topoOrder := make([]string, 0, len(nodesByID))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		topoOrder = append(topoOrder, id)

		var unlocked []string
		for _, dependent := range reverseDeps[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)

		// Merge unlocked into ready while preserving overall ascending order:
		// ready is already sorted, and unlocked is sorted, so a simple
		// append+resort keeps topoOrder's ascending tie-break rule exact.
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}

	// Step 5: cycle detection.
	if len(topoOrder) < len(nodesByID) {
		stuck := make([]string, 0, len(nodesByID)-len(topoOrder))
		seen := make(map[string]bool, len(topoOrder))
		for _, id := range topoOrder {
			seen[id] = true
		}
		for id := range nodesByID {
			if !seen[id] {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, pipeerr.Cycle(stuck)
	}

	return &Graph{
		nodesByID:   nodesByID,
		deps:        deps,
		reverseDeps: reverseDeps,
		topoOrder:   topoOrder,
	}, nil
}

// TopoOrder returns the graph's canonical topological order.
func (g *Graph) TopoOrder() []string {
	out := make([]string, len(g.topoOrder))
	copy(out, g.topoOrder)
	return out
}

// Node returns the spec for id, and whether it exists.
func (g *Graph) Node(id string) (NodeSpec, bool) {
	spec, ok := g.nodesByID[id]
	return spec, ok
}

// Deps returns id's dependency ids, in the order originally declared.
func (g *Graph) Deps(id string) []string {
	out := make([]string, len(g.deps[id]))
	copy(out, g.deps[id])
	return out
}

// ReverseDeps returns the ids of nodes that depend directly on id.
func (g *Graph) ReverseDeps(id string) []string {
	out := make([]string, len(g.reverseDeps[id]))
	copy(out, g.reverseDeps[id])
	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int { return len(g.nodesByID) }

// IDs returns every node id in the graph, in topological order.
func (g *Graph) IDs() []string { return g.TopoOrder() }

// RootIDs returns the ids of nodes with no dependencies, in ascending order.
func (g *Graph) RootIDs() []string {
	var roots []string
	for id, d := range g.deps {
		if len(d) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}
