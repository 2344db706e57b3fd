package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/pipeline/internal/cache"
	"github.com/dagucloud/pipeline/internal/dag"
	"github.com/dagucloud/pipeline/internal/pipeerr"
	"github.com/dagucloud/pipeline/internal/policy"
	"github.com/dagucloud/pipeline/internal/scheduler"
)

type intState struct{ n int }

func (s intState) DeepCopy() dag.State  { return s }
func (s intState) HashableRepr() []byte { return []byte(fmt.Sprintf("%d", s.n)) }

// intCodec lets tests attach a cache.DagCache without depending on any
// real application state type.
type intCodec struct{}

func (intCodec) Encode(state any) ([]byte, error) {
	s, ok := state.(dag.State)
	if !ok {
		return []byte("0"), nil
	}
	return []byte(fmt.Sprintf("%d", s.(intState).n)), nil
}

func (intCodec) Decode(data []byte) (any, error) {
	var n int
	_, err := fmt.Sscanf(string(data), "%d", &n)
	return dag.State(intState{n}), err
}

// countingStage adds delta to its input state's n and counts how many
// times Process actually ran, so tests can assert a cache hit skips it.
type countingStage struct {
	id     string
	delta  int
	calls  *int32
	fail   *int32 // if > 0, fails this many times before succeeding
	sleep  time.Duration
	metric func(p *policy.Bag) any
}

func (s countingStage) Process(state dag.State, p *policy.Bag) (dag.StageResult, error) {
	atomic.AddInt32(s.calls, 1)
	if s.fail != nil && atomic.AddInt32(s.fail, -1) >= 0 {
		return dag.StageResult{}, fmt.Errorf("stage %s: transient failure", s.id)
	}
	if s.sleep > 0 {
		time.Sleep(s.sleep)
	}
	in, _ := state.(intState)
	metrics := map[string]any{"n": float64(in.n + s.delta)}
	if s.metric != nil {
		metrics["policy_n"] = s.metric(p)
	}
	return dag.StageResult{
		State:   intState{in.n + s.delta},
		Metrics: metrics,
	}, nil
}

func (s countingStage) EstimatedCost() float64             { return 1 }
func (s countingStage) ParallelisableOver() (string, bool) { return "", false }
func (s countingStage) Name() string                       { return s.id }
func (s countingStage) Version() string                    { return "v1" }
func (s countingStage) Config() dag.StageConfig             { return nil }

// sumSelector is an InputSelector that sums the states of every
// dependency, used to exercise the diamond fan-in scenario.
func sumSelector(deps dag.DagState, initial dag.State) (dag.State, error) {
	total := 0
	for _, id := range []string{"left", "right"} {
		if st := deps.Get(id); st != nil {
			total += st.(intState).n
		}
	}
	return intState{total}, nil
}

func newCache() *cache.DagCache {
	return cache.NewDagCache(cache.NewMemoryBackend(), intCodec{})
}

func linearSpecs(calls *int32) []dag.NodeSpec {
	return []dag.NodeSpec{
		{ID: "a", OpName: "add", Version: "v1", Stage: countingStage{id: "a", delta: 1, calls: calls}},
		{ID: "b", Deps: []string{"a"}, OpName: "add", Version: "v1", Stage: countingStage{id: "b", delta: 2, calls: calls}},
	}
}

func TestRun_LinearChainCachesSecondRun(t *testing.T) {
	t.Parallel()
	var calls int32
	c := newCache()

	e := New(WithCache(c))
	specs := linearSpecs(&calls)

	res1, err := e.Run(context.Background(), intState{0}, specs, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls, "both nodes should run on a cold cache")
	final1 := res1.Results["b"].State.(intState)
	assert.Equal(t, 3, final1.n)

	e2 := New(WithCache(c))
	res2, err := e2.Run(context.Background(), intState{0}, linearSpecs(&calls), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls, "second run must be fully served from cache: zero additional stage.process calls")

	for _, id := range []string{"a", "b"} {
		prov := res2.Results[id].Provenance
		require.NotNil(t, prov)
		assert.Equal(t, true, prov["cache_hit"])
	}
}

func TestRun_DiamondFanInViaInputSelector(t *testing.T) {
	t.Parallel()
	var calls int32
	specs := []dag.NodeSpec{
		{ID: "root", OpName: "add", Version: "v1", Stage: countingStage{id: "root", delta: 0, calls: &calls}},
		{ID: "left", Deps: []string{"root"}, OpName: "add", Version: "v1", Stage: countingStage{id: "left", delta: 10, calls: &calls}},
		{ID: "right", Deps: []string{"root"}, OpName: "add", Version: "v1", Stage: countingStage{id: "right", delta: 100, calls: &calls}},
		{
			ID:            "join",
			Deps:          []string{"left", "right"},
			OpName:        "join",
			Version:       "v1",
			Stage:         countingStage{id: "join", delta: 0, calls: &calls},
			InputSelector: sumSelector,
		},
	}

	e := New()
	res, err := e.Run(context.Background(), intState{1}, specs, nil)
	require.NoError(t, err)

	// root=1; left=1+10=11; right=1+100=101; join input = 11+101=112, delta 0 -> 112
	assert.Equal(t, 112, res.Results["join"].State.(intState).n)
}

func TestRun_FanInWithoutSelectorFailsWithDAGInput(t *testing.T) {
	t.Parallel()
	var calls int32
	specs := []dag.NodeSpec{
		{ID: "root", OpName: "add", Version: "v1", Stage: countingStage{id: "root", calls: &calls}},
		{ID: "left", Deps: []string{"root"}, OpName: "add", Version: "v1", Stage: countingStage{id: "left", calls: &calls}},
		{ID: "right", Deps: []string{"root"}, OpName: "add", Version: "v1", Stage: countingStage{id: "right", calls: &calls}},
		{ID: "join", Deps: []string{"left", "right"}, OpName: "join", Version: "v1", Stage: countingStage{id: "join", calls: &calls}},
	}

	e := New()
	_, err := e.Run(context.Background(), intState{0}, specs, nil)
	require.Error(t, err)
	assert.True(t, pipeerr.IsDAGInput(err))
}

func TestRun_PolicyOverrideChangesCacheKey(t *testing.T) {
	t.Parallel()
	var calls int32
	mkSpecs := func() []dag.NodeSpec {
		return []dag.NodeSpec{
			{
				ID: "a", OpName: "add", Version: "v1",
				Stage: countingStage{id: "a", calls: &calls, metric: func(p *policy.Bag) any {
					return p.Get("N", 0)
				}},
			},
		}
	}

	c := newCache()

	_, err := New(WithCache(c)).Run(context.Background(), intState{0}, mkSpecs(), policy.New(map[string]any{"N": 4}))
	require.NoError(t, err)
	require.Equal(t, int32(1), calls)

	_, err = New(WithCache(c)).Run(context.Background(), intState{0}, mkSpecs(), policy.New(map[string]any{"N": 8}))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls, "a differing policy bag must change the cache key and force recomputation")
}

func TestRun_RetryThenSucceed(t *testing.T) {
	t.Parallel()
	var calls int32
	failOnce := int32(1)
	specs := []dag.NodeSpec{
		{ID: "a", OpName: "add", Version: "v1", Stage: countingStage{id: "a", delta: 1, calls: &calls, fail: &failOnce}},
	}

	e := New(WithRetryPolicy(RetryPolicy{MaxRetries: 1, BackoffS: 0}))
	res, err := e.Run(context.Background(), intState{0}, specs, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls, "one failure plus one retry means two stage.process calls")
	assert.Equal(t, 1, res.Results["a"].State.(intState).n)
}

func TestRun_RetryExhaustionFailsRun(t *testing.T) {
	t.Parallel()
	var calls int32
	alwaysFail := int32(1000)
	specs := []dag.NodeSpec{
		{ID: "a", OpName: "add", Version: "v1", Stage: countingStage{id: "a", calls: &calls, fail: &alwaysFail}},
	}

	e := New(WithRetryPolicy(RetryPolicy{MaxRetries: 1}))
	_, err := e.Run(context.Background(), intState{0}, specs, nil)
	require.Error(t, err)
	var exhausted *pipeerr.RetryExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "a", exhausted.NodeID)
	assert.Equal(t, 2, exhausted.Attempts)
}

// TestRun_TimeoutSurfacesAsSchedulerTimeout pre-occupies the scheduler's
// only worker slot with a job submitted directly (bypassing the
// executor), then runs a single node against that same scheduler, so the
// node's deadline passes while it is still waiting to acquire a slot and
// its stage never runs, which makes the timeout deterministic.
func TestRun_TimeoutSurfacesAsSchedulerTimeout(t *testing.T) {
	t.Parallel()
	s := scheduler.New(scheduler.Config{MaxWorkers: 1, MaxCPU: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := s.Submit(context.Background(), scheduler.Request{
		NodeID: "occupier",
		Run: func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	require.NoError(t, err)
	<-started
	// Release the occupier shortly after the impatient node's deadline
	// expires, so the deferred scheduler.Shutdown() inside Run (which
	// waits for every submitted job, including this one, to finish) does
	// not block forever.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	var calls int32
	specs := []dag.NodeSpec{
		{ID: "impatient", OpName: "add", Version: "v1", Stage: countingStage{id: "impatient", calls: &calls}},
	}

	e := New(WithScheduler(s), WithRetryPolicy(RetryPolicy{TimeoutS: 0.01}))
	_, runErr := e.Run(context.Background(), intState{0}, specs, nil)
	require.Error(t, runErr)
	assert.True(t, pipeerr.IsSchedulerTimeout(runErr))
	assert.Equal(t, int32(0), calls, "a node that never acquires a slot must never invoke stage.process")
}

func TestRun_ExecutionOrderCoversEveryNodeExactlyOnce(t *testing.T) {
	t.Parallel()
	var calls int32
	specs := []dag.NodeSpec{
		{ID: "a", OpName: "add", Version: "v1", Stage: countingStage{id: "a", calls: &calls}},
		{ID: "b", Deps: []string{"a"}, OpName: "add", Version: "v1", Stage: countingStage{id: "b", calls: &calls}},
		{ID: "c", Deps: []string{"a"}, OpName: "add", Version: "v1", Stage: countingStage{id: "c", calls: &calls}},
	}

	e := New()
	res, err := e.Run(context.Background(), intState{0}, specs, nil)
	require.NoError(t, err)

	assert.Len(t, res.ExecutionOrder, 3)
	seen := make(map[string]bool, 3)
	for _, id := range res.ExecutionOrder {
		assert.False(t, seen[id], "node %q appeared twice in execution_order", id)
		seen[id] = true
		_, ok := res.Results[id]
		assert.True(t, ok, "node %q missing from results", id)
	}
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, seen[id])
	}
}

func TestRun_NonScalarMetricAbortsRunWithStageContract(t *testing.T) {
	t.Parallel()
	var calls int32
	badStage := countingStage{id: "a", calls: &calls}
	specs := []dag.NodeSpec{
		{ID: "a", OpName: "add", Version: "v1", Stage: badMetricStage{badStage}},
	}

	e := New()
	_, err := e.Run(context.Background(), intState{0}, specs, nil)
	require.Error(t, err)
	assert.True(t, pipeerr.IsStageContract(err))
}

// badMetricStage wraps countingStage and injects a non-scalar metric, to
// drive testable property 6 end to end through the executor rather than
// only at the accumulate package level.
type badMetricStage struct{ countingStage }

func (s badMetricStage) Process(state dag.State, p *policy.Bag) (dag.StageResult, error) {
	result, err := s.countingStage.Process(state, p)
	if err != nil {
		return result, err
	}
	result.Metrics["confusion_matrix"] = []any{1, 2, 3}
	return result, nil
}

func TestRun_UnknownResourceRequestRejectedBeforeDispatch(t *testing.T) {
	t.Parallel()
	var calls int32
	specs := []dag.NodeSpec{
		{
			ID: "a", OpName: "add", Version: "v1",
			Stage:     countingStage{id: "a", calls: &calls},
			Resources: dag.NodeResources{CPU: 4},
		},
	}

	e := New(WithScheduler(scheduler.New(scheduler.Config{MaxWorkers: 1, MaxCPU: 1})))
	_, err := e.Run(context.Background(), intState{0}, specs, nil)
	require.Error(t, err)
	assert.True(t, pipeerr.IsSchedulerError(err))
	assert.Equal(t, int32(0), calls, "an infeasible request must never invoke stage.process")
}
