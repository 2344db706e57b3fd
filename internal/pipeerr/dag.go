// Package pipeerr defines the error taxonomy raised by the DAG builder,
// scheduler, and executor. Each category is a package-level sentinel so
// callers can classify failures with errors.Is regardless of the context
// a wrapping constructor attached.
package pipeerr

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateNode is raised by the DAG builder when two node specs share an id.
	ErrDuplicateNode = errors.New("duplicate node id")
	// ErrMissingDependency is raised when a node's deps reference an id absent from the graph.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrCycle is raised when the node set contains a dependency cycle.
	ErrCycle = errors.New("dependency cycle detected")
)

// DuplicateNode wraps ErrDuplicateNode with the offending node id.
func DuplicateNode(id string) error {
	return fmt.Errorf("%w: %q", ErrDuplicateNode, id)
}

// MissingDependency wraps ErrMissingDependency with the node and the missing dep id.
func MissingDependency(nodeID, depID string) error {
	return fmt.Errorf("%w: node %q depends on unknown node %q", ErrMissingDependency, nodeID, depID)
}

// Cycle wraps ErrCycle with the set of node ids that could not be ordered.
func Cycle(stuck []string) error {
	return fmt.Errorf("%w: nodes %v are part of a cycle or depend on one", ErrCycle, stuck)
}
