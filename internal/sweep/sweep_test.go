package sweep

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/pipeline/internal/dag"
	"github.com/dagucloud/pipeline/internal/policy"
)

type fakeState struct{ v int }

func (s fakeState) DeepCopy() dag.State  { return s }
func (s fakeState) HashableRepr() []byte { return []byte(fmt.Sprintf("%d", s.v)) }

type fakeStage struct {
	name      string
	overrides map[string]any
}

func (s fakeStage) Process(state dag.State, p *policy.Bag) (dag.StageResult, error) { panic("unused") }
func (s fakeStage) EstimatedCost() float64                                          { return 1 }
func (s fakeStage) ParallelisableOver() (string, bool)                              { return "", false }
func (s fakeStage) Name() string                                                    { return s.name }
func (s fakeStage) Version() string                                                 { return "v1" }
func (s fakeStage) Config() dag.StageConfig                                         { return nil }

func baseSpec() dag.NodeSpec {
	return dag.NodeSpec{
		ID:        "train",
		Deps:      []string{"preprocess"},
		OpName:    "train",
		Version:   "v1",
		Stage:     fakeStage{name: "train"},
		Resources: dag.NodeResources{CPU: 2, GPU: 0, MPIRanks: 1},
		Metadata:  map[string]any{"owner": "team-x"},
	}
}

func factory(overrides map[string]any) (dag.Stage, error) {
	return fakeStage{name: "train", overrides: overrides}, nil
}

func TestExpand_ProducesCartesianProduct(t *testing.T) {
	t.Parallel()
	base := baseSpec()
	spec := Spec{
		NodeID: "train",
		Grid: map[string][]any{
			"lr":         {0.1, 0.01},
			"batch_size": {32, 64},
		},
		Factory: factory,
	}

	variants, err := Expand(base, spec)
	require.NoError(t, err)
	assert.Len(t, variants, 4)
}

func TestExpand_IDsAreSortedByGridKey(t *testing.T) {
	t.Parallel()
	base := baseSpec()
	spec := Spec{
		NodeID: "train",
		Grid: map[string][]any{
			"lr": {0.1},
			"bs": {32},
		},
		Factory: factory,
	}

	variants, err := Expand(base, spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	// grid keys sorted lexicographically: "bs" before "lr"
	assert.Equal(t, "train__bs-32_lr-0.1", variants[0].ID)
}

func TestExpand_PreservesDepsOpNameVersionResources(t *testing.T) {
	t.Parallel()
	base := baseSpec()
	spec := Spec{NodeID: "train", Grid: map[string][]any{"lr": {0.1}}, Factory: factory}

	variants, err := Expand(base, spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)

	v := variants[0]
	assert.Equal(t, base.Deps, v.Deps)
	assert.Equal(t, base.OpName, v.OpName)
	assert.Equal(t, base.Version, v.Version)
	assert.Equal(t, base.Resources, v.Resources)
}

func TestExpand_CarriesOverrideDictIntoMetadataSweep(t *testing.T) {
	t.Parallel()
	base := baseSpec()
	spec := Spec{NodeID: "train", Grid: map[string][]any{"lr": {0.1}}, Factory: factory}

	variants, err := Expand(base, spec)
	require.NoError(t, err)
	require.Len(t, variants, 1)

	sweepMeta, ok := variants[0].Metadata["sweep"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.1, sweepMeta["lr"])
	// base metadata keys survive alongside the injected sweep key.
	assert.Equal(t, "team-x", variants[0].Metadata["owner"])
}

func TestExpand_DoesNotMutateBaseMetadata(t *testing.T) {
	t.Parallel()
	base := baseSpec()
	spec := Spec{NodeID: "train", Grid: map[string][]any{"lr": {0.1}}, Factory: factory}

	_, err := Expand(base, spec)
	require.NoError(t, err)
	_, present := base.Metadata["sweep"]
	assert.False(t, present)
}

func TestExpand_RejectsMismatchedNodeID(t *testing.T) {
	t.Parallel()
	base := baseSpec()
	spec := Spec{NodeID: "other", Grid: map[string][]any{"lr": {0.1}}, Factory: factory}

	_, err := Expand(base, spec)
	assert.Error(t, err)
}

func TestExpand_RejectsEmptyGrid(t *testing.T) {
	t.Parallel()
	base := baseSpec()
	spec := Spec{NodeID: "train", Grid: map[string][]any{}, Factory: factory}

	_, err := Expand(base, spec)
	assert.Error(t, err)
}
