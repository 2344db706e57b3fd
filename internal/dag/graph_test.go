package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/pipeline/internal/pipeerr"
)

func spec(id string, deps ...string) NodeSpec {
	return NodeSpec{ID: id, Deps: deps, Resources: DefaultResources()}
}

func TestBuild_LinearChain(t *testing.T) {
	t.Parallel()

	g, err := Build([]NodeSpec{spec("a"), spec("b", "a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.TopoOrder())
}

func TestBuild_TopoOrderIndependentOfSubmissionOrder(t *testing.T) {
	t.Parallel()

	// S3: [b, a, c(a,b)] submitted in any order always yields [a, b, c].
	orderings := [][]NodeSpec{
		{spec("b"), spec("a"), spec("c", "a", "b")},
		{spec("a"), spec("b"), spec("c", "a", "b")},
		{spec("c", "a", "b"), spec("b"), spec("a")},
	}
	for _, specs := range orderings {
		g, err := Build(specs)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, g.TopoOrder())
	}
}

func TestBuild_DuplicateNode(t *testing.T) {
	t.Parallel()

	_, err := Build([]NodeSpec{spec("a"), spec("a")})
	require.Error(t, err)
	assert.True(t, pipeerr.IsDuplicateNode(err))
}

func TestBuild_MissingDependency(t *testing.T) {
	t.Parallel()

	_, err := Build([]NodeSpec{spec("a", "ghost")})
	require.Error(t, err)
	assert.True(t, pipeerr.IsMissingDependency(err))
}

func TestBuild_CycleDetection(t *testing.T) {
	t.Parallel()

	_, err := Build([]NodeSpec{spec("1", "2"), spec("2", "1")})
	require.Error(t, err)
	assert.True(t, pipeerr.IsCycle(err))
}

func TestBuild_SelfCycle(t *testing.T) {
	t.Parallel()

	_, err := Build([]NodeSpec{spec("a", "a")})
	require.Error(t, err)
	assert.True(t, pipeerr.IsCycle(err))
}

func TestBuild_EmptyGraph(t *testing.T) {
	t.Parallel()

	g, err := Build(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.TopoOrder())
}

func TestBuild_DiamondFanIn(t *testing.T) {
	t.Parallel()

	// S2 shape: a -> b, a -> c, {b,c} -> d.
	g, err := Build([]NodeSpec{
		spec("a"),
		spec("b", "a"),
		spec("c", "a"),
		spec("d", "b", "c"),
	})
	require.NoError(t, err)
	order := g.TopoOrder()
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	assert.ElementsMatch(t, []string{"b", "c"}, g.ReverseDeps("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, g.Deps("d"))
}

func TestBuild_RootIDsSorted(t *testing.T) {
	t.Parallel()

	g, err := Build([]NodeSpec{spec("z"), spec("a"), spec("m")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, g.RootIDs())
}
