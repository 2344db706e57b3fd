// Package accumulate implements the result accumulator of spec.md §4.5:
// a namespaced merge of per-stage metrics, artifacts, and provenance
// across a run. It follows the teacher's pattern of a small mutable
// collector type guarded by a mutex (internal/digraph/scheduler's Node
// state tracking uses the same shape: plain fields behind sync.Mutex,
// no channels, because every mutation happens from the coordinator
// goroutine plus occasional concurrent reads).
package accumulate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dagucloud/pipeline/internal/dag"
	"github.com/dagucloud/pipeline/internal/pipeerr"
)

// smallValueLimit is the spec.md §4.5 threshold past which a non-lazy
// artifact value is stored as a compact preview instead of verbatim.
const smallValueLimit = 2048

// ArtifactRecorder persists a lazy artifact's produced value out of band
// (to a filesystem sink or similar) and reports where it landed.
type ArtifactRecorder interface {
	Record(ctx context.Context, namespace, stageLabel, artifactKey string, value any) (path string, err error)
}

// NopRecorder never persists anything; Record always returns an error,
// so only Accumulators with recording disabled should use it.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, string, string, string, any) (string, error) {
	return "", fmt.Errorf("accumulate: no artifact recorder configured")
}

// DirRecorder is a minimal recorder stub: out of scope per spec.md §1
// ("the artifact recorder (filesystem sink for large outputs)" is an
// external collaborator), kept here only as the injection point an
// application wires its own sink behind.
type DirRecorder struct {
	Dir string
}

func (r DirRecorder) Record(ctx context.Context, namespace, stageLabel, artifactKey string, value any) (string, error) {
	return "", fmt.Errorf("accumulate: DirRecorder is a stub; inject a real recorder for %s/%s/%s", namespace, stageLabel, artifactKey)
}

// StageProvenance is one entry of provenance.stages[]: the executor- and
// stage-supplied provenance for a single consume call, tagged with the
// stage label it came from.
type StageProvenance struct {
	Stage string
	Data  map[string]any
}

// Provenance holds the accumulator's append-only provenance ledger.
type Provenance struct {
	Stages []StageProvenance
}

// Accumulator is the namespaced metrics/artifacts/provenance collector a
// run shares across every node's Consume call.
type Accumulator struct {
	mu         sync.Mutex
	recording  bool
	recorder   ArtifactRecorder
	Metrics    map[string]float64
	Artifacts  map[string]any
	Provenance Provenance
}

// Option configures an Accumulator at construction time.
type Option func(*Accumulator)

// WithRecording enables artifact recording through recorder: lazy
// artifacts are invoked and their output persisted via recorder.Record;
// eager artifacts are still only previewed here, with persistence left
// to the recorder externally (spec.md §4.5).
func WithRecording(recorder ArtifactRecorder) Option {
	return func(a *Accumulator) {
		a.recording = true
		a.recorder = recorder
	}
}

// New constructs an empty Accumulator. With no options, recording is
// disabled and artifacts are stored directly or as a preview.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		recorder:  NopRecorder{},
		Metrics:   make(map[string]float64),
		Artifacts: make(map[string]any),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Consume folds one stage's StageResult into the accumulator under the
// namespace stack joined with stageLabel, per spec.md §4.5. namespace
// segments and stageLabel are joined with ".", e.g. namespace=["run",
// "pipeline-x"], stageLabel="train" → "run.pipeline-x.train.<metric>".
func (a *Accumulator) Consume(ctx context.Context, namespace []string, stageLabel string, result dag.StageResult) error {
	prefix := strings.Join(append(append([]string{}, namespace...), stageLabel), ".")

	scalars := make(map[string]float64, len(result.Metrics))
	for k, v := range result.Metrics {
		f, ok := CoerceScalar(v)
		if !ok {
			return pipeerr.StageContract(stageLabel, k, v)
		}
		scalars[k] = f
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for k, v := range scalars {
		a.Metrics[prefix+"."+k] = v
	}

	for k, artifact := range result.Artifacts {
		key := prefix + "." + k
		stored, err := a.storeArtifact(ctx, namespace, stageLabel, key, artifact)
		if err != nil {
			return err
		}
		a.Artifacts[key] = stored
	}

	data := make(map[string]any, len(result.Provenance)+1)
	for k, v := range result.Provenance {
		data[k] = v
	}
	data["stage"] = stageLabel
	a.Provenance.Stages = append(a.Provenance.Stages, StageProvenance{Stage: stageLabel, Data: data})

	return nil
}

// RecordFailure appends a provenance entry for a node that produced no
// StageResult (its stage exhausted its retry budget), so a run's
// provenance.stages ledger still reflects an attempt was made.
func (a *Accumulator) RecordFailure(stageLabel string, data map[string]any) {
	entry := make(map[string]any, len(data)+1)
	for k, v := range data {
		entry[k] = v
	}
	entry["stage"] = stageLabel

	a.mu.Lock()
	defer a.mu.Unlock()
	a.Provenance.Stages = append(a.Provenance.Stages, StageProvenance{Stage: stageLabel, Data: entry})
}

// CoerceScalar reports whether v is a scalar numeric value, returning it
// as a float64. Maps, slices, strings, and any other non-numeric type
// are rejected: spec.md §4.5 requires a non-scalar metric to raise
// StageContract.
func CoerceScalar(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (a *Accumulator) storeArtifact(ctx context.Context, namespace []string, stageLabel, key string, artifact dag.Artifact) (any, error) {
	if artifact.IsLazy() {
		if !a.recording {
			return previewOf("<lazy-artifact>"), nil
		}
		value, err := artifact.Producer()
		if err != nil {
			return nil, fmt.Errorf("accumulate: produce artifact %q: %w", key, err)
		}
		path, err := a.recorder.Record(ctx, strings.Join(namespace, "."), stageLabel, key, value)
		if err != nil {
			return nil, fmt.Errorf("accumulate: record artifact %q: %w", key, err)
		}
		return path, nil
	}

	if !a.recording {
		if isSmall(artifact.Value) {
			return artifact.Value, nil
		}
		return previewOf(artifact.Value), nil
	}
	return previewOf(artifact.Value), nil
}

// isSmall reports whether v is a string/number/mapping/array with at
// most smallValueLimit elements, per spec.md §4.5.
func isSmall(v any) bool {
	switch val := v.(type) {
	case string:
		return len(val) <= smallValueLimit
	case []any:
		return len(val) <= smallValueLimit
	case map[string]any:
		return len(val) <= smallValueLimit
	default:
		return true // scalars (numbers, bools) are always small
	}
}

// previewOf produces a compact, human-readable stand-in for a large or
// not-yet-persisted value.
func previewOf(v any) string {
	switch val := v.(type) {
	case string:
		if len(val) > 64 {
			return val[:64] + "...(truncated)"
		}
		return val
	case []any:
		return fmt.Sprintf("<array len=%d>", len(val))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("<mapping keys=%v>", keys)
	default:
		return fmt.Sprintf("%v", v)
	}
}
