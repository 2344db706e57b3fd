// Package executor implements the DAG executor of spec.md §4.6: the
// ready-queue driven orchestrator that binds the DAG builder, scheduler,
// cache, and accumulator together. Its main loop follows the single
// coordinator goroutine design the teacher uses for its own DAG runner
// (internal/digraph/scheduler's Schedule drives one goroutine that reads
// a shared done channel while workers run on their own goroutines) — all
// of ready, running, results, attempts, and in_degree are touched only
// from Run's calling goroutine, so no locking is needed around them.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dagucloud/pipeline/internal/accumulate"
	"github.com/dagucloud/pipeline/internal/backoff"
	"github.com/dagucloud/pipeline/internal/cache"
	"github.com/dagucloud/pipeline/internal/dag"
	"github.com/dagucloud/pipeline/internal/hashutil"
	"github.com/dagucloud/pipeline/internal/logging"
	"github.com/dagucloud/pipeline/internal/pipeerr"
	"github.com/dagucloud/pipeline/internal/policy"
	"github.com/dagucloud/pipeline/internal/scheduler"
	"github.com/dagucloud/pipeline/internal/telemetry"
)

// MPIRunner is the single injection point spec.md §1 carves out for
// remote/MPI execution: a node whose resources.mpi_ranks > 1 delegates
// its stage.process call to this collaborator instead of running it
// in-process.
type MPIRunner interface {
	Run(ctx context.Context, ranks int, fn func(ctx context.Context) (dag.StageResult, error)) (dag.StageResult, error)
}

// ModelPackager persists a node's result as a packaged model artifact
// when the node's metadata requests it (metadata["package_model"] == true).
type ModelPackager interface {
	Package(ctx context.Context, nodeID string, result dag.StageResult) (path string, err error)
}

// RetryPolicy bounds per-node retry behavior, mirroring spec.md §6's
// {max_retries, timeout_s, backoff_s} knob.
type RetryPolicy struct {
	MaxRetries int
	TimeoutS   float64 // 0 means no per-attempt deadline
	BackoffS   float64
	// Strategy selects the backoff shape waitBackoff builds from BackoffS
	// (constant, exponential, or linear). The zero value behaves as
	// backoff.StrategyConstant.
	Strategy backoff.Strategy
}

// Result is the tuple Run returns on success: final per-node results,
// the accumulator carrying namespaced metrics/artifacts/provenance, and
// the completion-ordered execution_order ledger.
type Result struct {
	Results        map[string]dag.StageResult
	Accumulator    *accumulate.Accumulator
	ExecutionOrder []string
}

// Executor orchestrates one DAG run. Construct with New and the With*
// options; a zero-value Executor is not usable.
type Executor struct {
	scheduler   *scheduler.LocalScheduler
	cache       *cache.DagCache
	retry       RetryPolicy
	policy      *policy.Bag
	logger      logging.Logger
	mpi         MPIRunner
	packager    ModelPackager
	namespace   []string
	accumulator []accumulate.Option

	// currentPolicy is the policy in effect for the Run call presently
	// executing. Run is not safe to call concurrently on the same
	// Executor (nothing in spec.md §4.6 requires it to be); this mirrors
	// how the coordinator's other run-scoped state lives on runState,
	// except policy is also needed inside scheduler thunk closures that
	// only have access to the Executor receiver.
	currentPolicy *policy.Bag
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithScheduler attaches the scheduler an Executor submits node thunks
// to. Without this option, New constructs a default LocalScheduler.
func WithScheduler(s *scheduler.LocalScheduler) Option {
	return func(e *Executor) { e.scheduler = s }
}

// WithCache attaches a cache; without it, every node recomputes.
func WithCache(c *cache.DagCache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithRetryPolicy sets the executor-wide retry/timeout/backoff policy.
func WithRetryPolicy(r RetryPolicy) Option {
	return func(e *Executor) { e.retry = r }
}

// WithPolicy sets the executor's default policy bag, used when a Run
// call passes a nil runPolicy (spec.md §4.6's "caller-run policy OR
// executor default OR none" resolution order).
func WithPolicy(p *policy.Bag) Option {
	return func(e *Executor) { e.policy = p }
}

// WithLogger attaches a structured logger; defaults to logging.Default.
func WithLogger(l logging.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMPIRunner attaches the remote/MPI delegation collaborator.
func WithMPIRunner(m MPIRunner) Option {
	return func(e *Executor) { e.mpi = m }
}

// WithModelPackager attaches the model-artifact packaging collaborator.
func WithModelPackager(p ModelPackager) Option {
	return func(e *Executor) { e.packager = p }
}

// WithNamespace sets the accumulator's namespace stack (e.g. the
// pipeline's name), prefixed onto every metric and artifact key.
// Provenance entries are tagged with the bare stage label, unprefixed.
func WithNamespace(ns ...string) Option {
	return func(e *Executor) { e.namespace = ns }
}

// WithArtifactRecording enables the accumulator's artifact recording
// through recorder, forwarded verbatim to accumulate.WithRecording.
func WithArtifactRecording(recorder accumulate.ArtifactRecorder) Option {
	return func(e *Executor) { e.accumulator = append(e.accumulator, accumulate.WithRecording(recorder)) }
}

// New constructs an Executor. With no options, it runs single-threaded
// (max_workers=1, max_cpu=1), attaches no cache, and never retries.
func New(opts ...Option) *Executor {
	e := &Executor{
		scheduler: scheduler.New(scheduler.DefaultConfig()),
		logger:    logging.Default,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runningNode is the bookkeeping the coordinator keeps for one in-flight
// dispatch: everything needed to augment provenance and compute the
// cache key again is precomputed at dispatch time, since cache_key
// composition must happen from already-committed predecessor results
// (spec.md §4.6's determinism note).
type runningNode struct {
	spec           dag.NodeSpec
	inputState     dag.State
	cacheKey       string
	cfgHash        string
	policyHash     string
	inputStateHash string
	depHashes      map[string]string
	startedAt      time.Time
	handle         *scheduler.Handle
	retrier        backoff.Retrier
}

// runState holds every piece of mutable state the coordinator goroutine
// touches during one Run call. It is never shared across goroutines.
type runState struct {
	graph          *dag.Graph
	ready          []string
	running        map[string]*runningNode
	results        map[string]dag.StageResult
	attempts       map[string]int
	inDegree       map[string]int
	executionOrder []string
}

// Run executes specs over initial, returning per-node results and the
// accumulated metrics/artifacts/provenance of the full run. A non-nil
// runPolicy overrides the executor's default policy (WithPolicy); a nil
// runPolicy falls back to the executor default, and if that is also nil
// no policy is in effect. Run always shuts down its scheduler before
// returning, success or failure.
func (e *Executor) Run(ctx context.Context, initial dag.State, specs []dag.NodeSpec, runPolicy *policy.Bag) (*Result, error) {
	defer e.scheduler.Shutdown()

	effectivePolicy := runPolicy
	if effectivePolicy == nil {
		effectivePolicy = e.policy
	}
	var policyHash string
	if effectivePolicy != nil {
		h, err := effectivePolicy.Hash()
		if err != nil {
			return nil, fmt.Errorf("executor: hash policy: %w", err)
		}
		policyHash = h
	}
	e.currentPolicy = effectivePolicy

	graph, err := dag.Build(specs)
	if err != nil {
		return nil, err
	}

	acc := accumulate.New(e.accumulator...)
	st := &runState{
		graph:    graph,
		ready:    graph.RootIDs(),
		running:  make(map[string]*runningNode),
		results:  make(map[string]dag.StageResult),
		attempts: make(map[string]int),
		inDegree: make(map[string]int, graph.Len()),
	}
	for _, id := range graph.IDs() {
		st.inDegree[id] = len(graph.Deps(id))
	}

	for len(st.ready) > 0 || len(st.running) > 0 {
		for len(st.ready) > 0 {
			id := st.ready[0]
			st.ready = st.ready[1:]
			if err := e.dispatch(ctx, graph, st, id, initial, effectivePolicy, policyHash, acc); err != nil {
				return nil, err
			}
		}

		if len(st.running) == 0 {
			continue
		}

		handles := make([]*scheduler.Handle, 0, len(st.running))
		for _, rn := range st.running {
			handles = append(handles, rn.handle)
		}
		completed, err := scheduler.WaitAny(ctx, handles)
		if err != nil {
			return nil, fmt.Errorf("executor: wait_any: %w", err)
		}

		if err := e.handleCompletion(ctx, st, acc, completed); err != nil {
			return nil, err
		}
	}

	return &Result{Results: st.results, Accumulator: acc, ExecutionOrder: st.executionOrder}, nil
}

// dispatch computes input_state and cache_key for id and either serves
// it from cache or submits a scheduler thunk, per spec.md §4.6's
// dispatch phase.
func (e *Executor) dispatch(ctx context.Context, graph *dag.Graph, st *runState, id string, initial dag.State, effectivePolicy *policy.Bag, policyHash string, acc *accumulate.Accumulator) error {
	spec, _ := graph.Node(id)
	deps := graph.Deps(id)

	inputState, err := resolveInputState(spec, deps, initial, st.results)
	if err != nil {
		return err
	}

	cfgHash, err := hashutil.ConfigHash(spec.Stage.Config())
	if err != nil {
		return fmt.Errorf("executor: hash config for node %q: %w", id, err)
	}
	inputStateHash := hashutil.StateHash(inputState)

	depHashes := make(map[string]string, len(deps))
	for _, d := range deps {
		h, err := hashutil.StageResultHash(toStageResultLike(st.results[d]))
		if err != nil {
			return fmt.Errorf("executor: hash dependency %q of node %q: %w", d, id, err)
		}
		depHashes[d] = h
	}

	cacheKey := hashutil.CacheKey(hashutil.CacheKeyParams{
		NodeID:         id,
		OpName:         spec.OpName,
		Version:        spec.Version,
		CfgHash:        cfgHash,
		PolicyHash:     policyHash,
		InputStateHash: inputStateHash,
		DepHashes:      depHashes,
	})

	if e.cache != nil {
		stored, hit, err := e.cache.Get(ctx, cacheKey)
		if err != nil {
			return fmt.Errorf("executor: cache get for node %q: %w", id, err)
		}
		if hit {
			return e.consumeCacheHit(ctx, st, id, stored, acc)
		}
	}

	st.attempts[id]++
	rn := &runningNode{
		spec: spec, inputState: inputState, cacheKey: cacheKey,
		cfgHash: cfgHash, policyHash: policyHash, inputStateHash: inputStateHash,
		depHashes: depHashes, startedAt: time.Now(),
	}
	handle, err := e.submit(ctx, rn, st.attempts[id])
	if err != nil {
		return fmt.Errorf("executor: submit node %q: %w", id, err)
	}
	rn.handle = handle
	st.running[id] = rn
	return nil
}

// consumeCacheHit reconstructs a StageResult from a cache entry, folds
// it into the accumulator, records it, and propagates readiness without
// ever submitting a thunk — this is the path that keeps testable
// property 5 (a fully cached run performs zero stage.process calls).
func (e *Executor) consumeCacheHit(ctx context.Context, st *runState, id string, stored *cache.StoredResult, acc *accumulate.Accumulator) error {
	state, _ := stored.State.(dag.State)
	provenance := make(map[string]any, len(stored.Provenance)+1)
	for k, v := range stored.Provenance {
		provenance[k] = v
	}
	provenance["cache_hit"] = true

	metrics := make(map[string]any, len(stored.Metrics))
	for k, v := range stored.Metrics {
		metrics[k] = v
	}

	result := dag.StageResult{State: state, Metrics: metrics, Provenance: provenance}
	if err := acc.Consume(ctx, e.namespace, id, result); err != nil {
		return err
	}

	st.results[id] = result
	st.executionOrder = append(st.executionOrder, id)
	e.propagateReadiness(st, id)
	return nil
}

// submit builds the scheduler.Request for rn and submits it.
func (e *Executor) submit(ctx context.Context, rn *runningNode, attempt int) (*scheduler.Handle, error) {
	var timeout time.Duration
	if e.retry.TimeoutS > 0 {
		timeout = time.Duration(e.retry.TimeoutS * float64(time.Second))
	}

	return e.scheduler.Submit(ctx, scheduler.Request{
		NodeID:  rn.spec.ID,
		CPU:     rn.spec.Resources.CPU,
		GPU:     rn.spec.Resources.GPU,
		Attempt: attempt,
		Timeout: timeout,
		Run: func(ctx context.Context) (any, error) {
			return e.runStage(ctx, rn, attempt)
		},
	})
}

func (e *Executor) runStage(ctx context.Context, rn *runningNode, attempt int) (any, error) {
	spanCtx, span := telemetry.StartStageSpan(ctx, rn.spec.ID, rn.spec.OpName, attempt)
	var err error
	defer func() { telemetry.EndStageSpan(span, err) }()

	ranks := rn.spec.Resources.Normalize().MPIRanks
	if ranks > 1 && e.mpi != nil {
		var result dag.StageResult
		result, err = e.mpi.Run(spanCtx, ranks, func(ctx context.Context) (dag.StageResult, error) {
			return rn.spec.Stage.Process(rn.inputState, e.stagePolicy())
		})
		return result, err
	}

	var result dag.StageResult
	result, err = rn.spec.Stage.Process(rn.inputState, e.stagePolicy())
	return result, err
}

// stagePolicy is resolved once per Run and stashed on the executor for
// the lifetime of runStage closures; Run sets it before dispatching.
func (e *Executor) stagePolicy() *policy.Bag { return e.currentPolicy }

// handleCompletion pops completed's bookkeeping from running and applies
// either the success or the failure branch of spec.md §4.6's wait phase.
func (e *Executor) handleCompletion(ctx context.Context, st *runState, acc *accumulate.Accumulator, completed *scheduler.Handle) error {
	id := completed.NodeID
	rn, ok := st.running[id]
	if !ok {
		return fmt.Errorf("executor: completed handle for unknown node %q", id)
	}
	delete(st.running, id)

	outcome, err := completed.Result()
	if err != nil {
		if pipeerr.IsSchedulerTimeout(err) {
			return err
		}
		return e.retryOrFail(ctx, st, acc, rn, err)
	}

	result, ok := outcome.(dag.StageResult)
	if !ok {
		return fmt.Errorf("executor: node %q returned unexpected thunk result type %T", id, outcome)
	}

	return e.succeed(ctx, st, acc, rn, result)
}

func (e *Executor) retryOrFail(ctx context.Context, st *runState, acc *accumulate.Accumulator, rn *runningNode, cause error) error {
	id := rn.spec.ID
	if st.attempts[id] <= e.retry.MaxRetries {
		if e.retry.BackoffS > 0 {
			if err := e.waitBackoff(ctx, rn, cause); err != nil {
				return err
			}
		}
		st.attempts[id]++
		handle, err := e.submit(ctx, rn, st.attempts[id])
		if err != nil {
			return fmt.Errorf("executor: resubmit node %q: %w", id, err)
		}
		rn.handle = handle
		st.running[id] = rn
		return nil
	}

	acc.RecordFailure(id, map[string]any{
		"node_id":  id,
		"attempts": st.attempts[id],
		"error":    cause.Error(),
	})
	return &pipeerr.RetryExhausted{NodeID: id, Attempts: st.attempts[id], Cause: cause}
}

// waitBackoff waits out a full-jitter-randomised interval derived from
// the run's configured backoff_s and strategy, so that many nodes
// failing around the same moment don't all resubmit in lockstep. The
// node's retrier is created on its first failure and reused across
// subsequent ones, so an exponential or linear strategy actually grows
// the interval as retryOrFail calls this repeatedly for the same node.
// The retrier's own policy keeps MaxRetries at 0 (unlimited) since
// retryOrFail already enforces the executor's own retry budget against
// st.attempts.
func (e *Executor) waitBackoff(ctx context.Context, rn *runningNode, cause error) error {
	if rn.retrier == nil {
		base := backoff.NewPolicy(e.retry.Strategy, time.Duration(e.retry.BackoffS*float64(time.Second)))
		rn.retrier = backoff.NewRetrier(backoff.WithJitter(base, backoff.FullJitter))
	}

	err := rn.retrier.Next(ctx, cause)
	switch {
	case errors.Is(err, backoff.ErrOperationCanceled):
		return ctx.Err()
	case errors.Is(err, backoff.ErrRetriesExhausted):
		return nil
	default:
		return err
	}
}

func (e *Executor) succeed(ctx context.Context, st *runState, acc *accumulate.Accumulator, rn *runningNode, result dag.StageResult) error {
	id := rn.spec.ID
	if result.Provenance == nil {
		result.Provenance = make(map[string]any)
	}
	setDefault(result.Provenance, "cfg_hash", rn.cfgHash)
	setDefault(result.Provenance, "policy_hash", rn.policyHash)
	setDefault(result.Provenance, "version", rn.spec.Version)
	setDefault(result.Provenance, "wall_time_s", time.Since(rn.startedAt).Seconds())
	setDefault(result.Provenance, "node_id", id)
	setDefault(result.Provenance, "deps", append([]string(nil), rn.spec.Deps...))
	setDefault(result.Provenance, "input_state_hash", rn.inputStateHash)
	setDefault(result.Provenance, "dependency_hashes", rn.depHashes)
	setDefault(result.Provenance, "cache_key", rn.cacheKey)

	outputHash, err := hashutil.StageResultHash(toStageResultLike(result))
	if err != nil {
		return fmt.Errorf("executor: hash output of node %q: %w", id, err)
	}
	setDefault(result.Provenance, "output_hash", outputHash)
	setDefault(result.Provenance, "cache_hit", false)

	if e.packager != nil && requestsPackaging(rn.spec.Metadata) {
		path, err := e.packager.Package(ctx, id, result)
		if err != nil {
			return fmt.Errorf("executor: package model for node %q: %w", id, err)
		}
		setDefault(result.Provenance, "model_path", path)
	}

	// Consume validates result.Metrics (StageContract on a non-scalar
	// value) before anything is written to cache, so a contract-violating
	// stage never poisons the cache with a result the run itself rejects.
	if err := acc.Consume(ctx, e.namespace, id, result); err != nil {
		return err
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, rn.cacheKey, result.State, scalarMetrics(result), result.Provenance, 0); err != nil {
			return fmt.Errorf("executor: cache put for node %q: %w", id, err)
		}
	}

	st.results[id] = result
	st.executionOrder = append(st.executionOrder, id)
	e.propagateReadiness(st, id)
	return nil
}

// propagateReadiness decrements the in-degree of id's reverse
// dependents and enqueues any that reach zero, in ascending id order,
// per spec.md §5's dispatch-order guarantee.
func (e *Executor) propagateReadiness(st *runState, id string) {
	var unlocked []string
	for _, dependent := range st.graph.ReverseDeps(id) {
		st.inDegree[dependent]--
		if st.inDegree[dependent] == 0 {
			unlocked = append(unlocked, dependent)
		}
	}
	sort.Strings(unlocked)
	st.ready = append(st.ready, unlocked...)
}

func setDefault(m map[string]any, key string, value any) {
	if _, exists := m[key]; !exists {
		m[key] = value
	}
}

func requestsPackaging(metadata map[string]any) bool {
	v, ok := metadata["package_model"].(bool)
	return ok && v
}

// resolveInputState implements spec.md §4.6's fan-in rules: zero deps
// use the run's initial state; exactly one dep forwards that dep's
// state; multiple deps require an explicit InputSelector (this
// implementation's chosen resolution of the DagState/DAGInput open
// question — see DESIGN.md) or fail with pipeerr.DAGInput.
func resolveInputState(spec dag.NodeSpec, deps []string, initial dag.State, results map[string]dag.StageResult) (dag.State, error) {
	switch len(deps) {
	case 0:
		return initial, nil
	case 1:
		return results[deps[0]].State, nil
	default:
		if spec.InputSelector == nil {
			return nil, pipeerr.DAGInput(spec.ID, len(deps))
		}
		ds := dag.DagState{ByDepID: make(map[string]dag.State, len(deps))}
		for _, d := range deps {
			ds.ByDepID[d] = results[d].State
		}
		return spec.InputSelector(ds, initial)
	}
}

// toStageResultLike adapts a dag.StageResult (whose Metrics is
// map[string]any, per accumulate's non-scalar-metric contract check)
// into hashutil's stricter StageResultLike shape. Dependency results have
// already passed accumulate.Accumulator.Consume, so CoerceScalar succeeds
// for them; succeed hashes a fresh output before Consume runs, and there a
// non-scalar metric (which Consume then rejects) hashes as 0.
func toStageResultLike(r dag.StageResult) hashutil.StageResultLike {
	metrics := scalarMetrics(r)
	artifacts := make(map[string]hashutil.ArtifactRef, len(r.Artifacts))
	for k, a := range r.Artifacts {
		if a.IsLazy() {
			artifacts[k] = hashutil.ArtifactRef{Name: k, Callable: true}
		} else {
			artifacts[k] = hashutil.ArtifactRef{Name: k, Value: a.Value}
		}
	}
	return hashutil.StageResultLike{State: r.State, Metrics: metrics, Artifacts: artifacts}
}

func scalarMetrics(r dag.StageResult) map[string]float64 {
	out := make(map[string]float64, len(r.Metrics))
	for k, v := range r.Metrics {
		f, _ := accumulate.CoerceScalar(v)
		out[k] = f
	}
	return out
}
