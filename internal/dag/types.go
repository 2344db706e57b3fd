// Package dag implements the DAG data model and builder (spec.md §3, §4.3):
// node specs, resources, the frozen Graph, and the fan-in container used
// when an executor assembles multiple predecessor states for a node.
package dag

import (
	"github.com/dagucloud/pipeline/internal/hashutil"
	"github.com/dagucloud/pipeline/internal/policy"
)

// State is an application payload with two required capabilities: an
// independent deep copy, and a hashable representation whose equality
// matches semantic equality of the state (spec.md §3).
type State interface {
	DeepCopy() State
	HashableRepr() []byte
}

// StageConfig is the immutable, validated, typed configuration record
// owned by a stage. Every config exposes a canonical serialisation for
// hashing plus a human-readable name and an open tags mapping.
type StageConfig interface {
	hashutil.Hashable
	Name() string
	Tags() map[string]string
}

// Artifact is the sum type spec.md's DESIGN NOTES §9 describes for lazy
// vs. eager artifact payloads: {Eager(value) | Lazy(producer)}.
type Artifact struct {
	// Name is the symbolic identifier hashed in place of a callable's
	// closure identity (spec.md §4.1).
	Name string
	// Producer is non-nil for a lazy artifact; the accumulator invokes it
	// only when recording is enabled and hands the produced value to its
	// injected recorder. The stage itself never invokes it.
	Producer func() (any, error)
	// Value holds an eager artifact's payload; ignored when Producer is set.
	Value any
}

// IsLazy reports whether the artifact is a callable factory rather than an eager value.
func (a Artifact) IsLazy() bool { return a.Producer != nil }

// StageResult is the four-tuple a stage returns: the resulting state, a
// metrics mapping, an artifacts mapping, and a provenance mapping the
// executor augments in place before caching. Metrics is typed map[string]any
// rather than map[string]float64 because spec.md §8 property 6 requires a
// stage be able to emit a non-scalar metric and have the accumulator
// reject it with pipeerr.StageContract — a float64-typed map would make
// that contract unrepresentable. accumulate.Accumulator.Consume coerces
// each value to float64 or fails.
type StageResult struct {
	State      State
	Metrics    map[string]any
	Artifacts  map[string]Artifact
	Provenance map[string]any
}

// NodeResources declares the CPU/GPU/MPI footprint a node requires from the scheduler.
type NodeResources struct {
	CPU      int
	GPU      int
	MPIRanks int
}

// DefaultResources returns the spec.md §3 defaults: cpu=1, gpu=0, mpi_ranks=1.
func DefaultResources() NodeResources {
	return NodeResources{CPU: 1, GPU: 0, MPIRanks: 1}
}

// Normalize fills a zero MPIRanks with its default of 1. MPIRanks is defined
// as >= 1, so a zero value is treated as "unset" rather than "zero ranks".
// CPU and GPU are returned as given, since zero is a valid value for both.
func (r NodeResources) Normalize() NodeResources {
	if r.MPIRanks == 0 {
		r.MPIRanks = 1
	}
	return r
}

// Stage is the polymorphic transform contract a node binds to a config.
// Defined here (rather than in its own package) to avoid an import cycle
// between dag and the stage package: NodeSpec needs to hold a Stage, and
// a Stage's Process signature needs dag.State and dag.StageResult.
type Stage interface {
	Process(state State, p *policy.Bag) (StageResult, error)
	EstimatedCost() float64
	ParallelisableOver() (string, bool)
	Name() string
	Version() string
	Config() StageConfig
}

// NodeSpec places a Stage within a DAG.
type NodeSpec struct {
	ID        string
	Deps      []string
	OpName    string
	Version   string
	Stage     Stage
	Resources NodeResources
	Metadata  map[string]any
	// InputSelector resolves a node's input state when it has more than one
	// dependency. It is this implementation's chosen mechanism (see
	// DESIGN.md "Open Question decisions") for spec.md §4.6's fan-in step:
	// a node with >1 dep and a nil selector fails with pipeerr.DAGInput.
	InputSelector func(deps DagState, initial State) (State, error)
}

// DagState is the fan-in container passed to a node's InputSelector: a
// mapping from dependency id to that dependency's resulting state.
type DagState struct {
	ByDepID map[string]State
}

// Get returns the state produced by depID, or nil if absent.
func (s DagState) Get(depID string) State { return s.ByDepID[depID] }

// DagCacheEntry is the reconstructed shape of a cache hit: state, metrics, and provenance.
type DagCacheEntry struct {
	State      State
	Metrics    map[string]float64
	Provenance map[string]any
}
