// Package stage provides BaseStage, an embeddable helper that gives
// concrete stage implementations the Name/Version/EstimatedCost/
// ParallelisableOver defaults spec.md §4.1 assigns when a stage doesn't
// override them, following the teacher's embedding idiom for shared
// behavior (internal/digraph/scheduler's Node embeds a common NodeData
// rather than repeating bookkeeping fields on every node type).
package stage

// BaseStage supplies the spec.md §4.1 defaults for the parts of the
// dag.Stage contract most stages don't need to customize: Name defaults
// to the embedding type's declared label, Version defaults to "v1",
// EstimatedCost defaults to 1.0, and a stage is not parallelisable over
// any axis unless it says otherwise. Concrete stages embed BaseStage and
// implement Process and Config themselves.
type BaseStage struct {
	StageName    string
	StageVersion string
	Cost         float64
}

// NewBase constructs a BaseStage with the given name, defaulting Version
// to "v1" and EstimatedCost to 1.0.
func NewBase(name string) BaseStage {
	return BaseStage{StageName: name, StageVersion: "v1", Cost: 1.0}
}

// Name returns the stage's declared name, per spec.md §4.1's name field.
func (b BaseStage) Name() string { return b.StageName }

// Version returns the stage's declared version, defaulting to "v1".
func (b BaseStage) Version() string {
	if b.StageVersion == "" {
		return "v1"
	}
	return b.StageVersion
}

// EstimatedCost returns the stage's declared relative cost, defaulting to 1.0.
func (b BaseStage) EstimatedCost() float64 {
	if b.Cost == 0 {
		return 1.0
	}
	return b.Cost
}

// ParallelisableOver reports that the stage is not parallelisable over
// any axis by default; stages that support a sweep axis override this.
func (b BaseStage) ParallelisableOver() (string, bool) { return "", false }

var _ interface {
	Name() string
	Version() string
	EstimatedCost() float64
	ParallelisableOver() (string, bool)
} = BaseStage{}
