// Package hashutil derives deterministic content-addressed digests for
// states, configs, policies, dependency results, and composite cache keys.
// Every digest is hex-encoded SHA-256. Configs, policies, and stage results
// are hashed over a canonical JSON encoding (sorted map keys, stable field
// order); states over their HashableRepr bytes; arrays and cache keys over
// their raw component bytes. Equal-valued inputs therefore hash identically
// across process runs, per the reproducibility invariants in spec.md §3-4.1.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CacheVersion is process-wide state baked into the binary: bumping it
// invalidates every existing cache entry, since it is the first component
// folded into every cache key.
const CacheVersion = "pipeline-cache-v1"

// Hashable is implemented by configuration and policy values that know how
// to produce their own canonical byte representation for hashing, bypassing
// struct-tag-driven JSON marshaling when a type needs tighter control.
type Hashable interface {
	CanonicalJSON() ([]byte, error)
}

func canonicalJSON(v any) ([]byte, error) {
	if h, ok := v.(Hashable); ok {
		return h.CanonicalJSON()
	}
	// json.Marshal on maps already sorts keys; for structs, field order is
	// declaration order, which is stable across runs of the same binary.
	// Round-trip through map[string]any for values we don't control so
	// that key order never leaks from insertion order.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hashutil: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		// Not JSON-object-shaped (e.g. a bare scalar); the original marshal is canonical enough.
		return raw, nil
	}
	return json.Marshal(sortedValue(generic))
}

// sortedValue recursively copies maps and slices so that every nested map
// is a map[string]any, whose keys encoding/json sorts, including maps
// nested under slices.
func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sortedValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sortedValue(val)
		}
		return out
	default:
		return t
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ConfigHash digests a stage config's canonical field tree.
func ConfigHash(cfg any) (string, error) {
	data, err := canonicalJSON(cfg)
	if err != nil {
		return "", fmt.Errorf("hashutil: config hash: %w", err)
	}
	return sha256Hex(data), nil
}

// PolicyHash digests a policy mapping's canonical JSON. Because the
// representation is built from the map itself (not an ordered slice of
// entries), the result is invariant under key-insertion order.
func PolicyHash(p map[string]any) (string, error) {
	data, err := canonicalJSON(p)
	if err != nil {
		return "", fmt.Errorf("hashutil: policy hash: %w", err)
	}
	return sha256Hex(data), nil
}

// State is the minimal capability a pipeline payload must expose to be hashable.
type State interface {
	HashableRepr() []byte
}

// StateHash digests a state's hashable representation.
func StateHash(s State) string {
	if s == nil {
		return sha256Hex(nil)
	}
	return sha256Hex(s.HashableRepr())
}

// ArrayHash digests dtype, shape, and contiguous bytes of a numeric array payload.
func ArrayHash(dtype string, shape []int, data []byte) string {
	h := sha256.New()
	_, _ = h.Write([]byte(dtype))
	_, _ = h.Write([]byte{0})
	for _, dim := range shape {
		_, _ = fmt.Fprintf(h, "%d,", dim)
	}
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ArtifactRef identifies an artifact for hashing purposes: a callable
// (lazy) artifact contributes its symbolic Name, never its closure
// identity, so two runs producing "the same kind of artifact" hash equal
// even though the underlying func values differ.
type ArtifactRef struct {
	Name     string
	Callable bool
	Value    any // ignored when Callable is true
}

func valueHash(v any) (string, error) {
	data, err := canonicalJSON(sortValueHashInput(v))
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

func sortValueHashInput(v any) any {
	switch t := v.(type) {
	case ArtifactRef:
		if t.Callable {
			return map[string]any{"artifact_symbol": t.Name}
		}
		return map[string]any{"artifact_value": t.Value}
	case []ArtifactRef:
		refs := make([]any, len(t))
		for i, r := range t {
			refs[i] = sortValueHashInput(r)
		}
		return refs
	default:
		return v
	}
}

// StageResultLike is the minimal shape StageResultHash needs, kept free of
// an import on package dag to avoid a dependency cycle (dag imports
// hashutil for its own convenience wrappers).
type StageResultLike struct {
	State     State
	Metrics   map[string]float64
	Artifacts map[string]ArtifactRef
}

// StageResultHash digests {state_hash, metrics_value_hash, artifacts_value_hash}.
func StageResultHash(r StageResultLike) (string, error) {
	metricsHash, err := valueHash(r.Metrics)
	if err != nil {
		return "", fmt.Errorf("hashutil: stage result metrics: %w", err)
	}
	artifactsHash, err := valueHash(r.Artifacts)
	if err != nil {
		return "", fmt.Errorf("hashutil: stage result artifacts: %w", err)
	}
	composite := map[string]string{
		"state_hash":     StateHash(r.State),
		"metrics_hash":   metricsHash,
		"artifacts_hash": artifactsHash,
	}
	data, err := canonicalJSON(composite)
	if err != nil {
		return "", fmt.Errorf("hashutil: stage result composite: %w", err)
	}
	return sha256Hex(data), nil
}

// DependencyResultsHash digests dep_id -> result hash, with dep ids sorted
// lexicographically before digesting so fan-in arrival order never affects the result.
func DependencyResultsHash(deps map[string]StageResultLike) (string, error) {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hashed := make(map[string]string, len(deps))
	for _, id := range ids {
		h, err := StageResultHash(deps[id])
		if err != nil {
			return "", fmt.Errorf("hashutil: dependency %q: %w", id, err)
		}
		hashed[id] = h
	}
	data, err := canonicalJSON(hashed)
	if err != nil {
		return "", fmt.Errorf("hashutil: dependency results: %w", err)
	}
	return sha256Hex(data), nil
}

// CacheKeyParams bundles the inputs composed into a cache key by CacheKey.
type CacheKeyParams struct {
	NodeID         string
	OpName         string
	Version        string
	CfgHash        string
	PolicyHash     string // empty when no policy is in effect
	InputStateHash string
	// DepHashes maps dep_id -> dependency result hash. Sorted by dep_id before concatenation.
	DepHashes map[string]string
}

// CacheKey implements the composition formula of spec.md §4.1, extended
// with op_name per the §3 invariant that lists op_name among the fields
// cache_key depends on (the §4.1 formula's prose omits it, but the
// invariant is the binding contract; op_name is folded in right after
// node_id so existing digests for op_name-less callers are unaffected
// only in shape, not value):
//
//	SHA256( CACHE_VERSION ‖ node_id ‖ op_name ‖ version
//	      ‖ cfg_hash ‖ policy_hash_or_empty
//	      ‖ input_state_hash
//	      ‖ "dep_id:dep_hash" for each dep, sorted by dep_id )
//
// cache_key depends on and only on these fields: never wall-clock, memory
// address, or iteration order.
func CacheKey(p CacheKeyParams) string {
	h := sha256.New()
	_, _ = h.Write([]byte(CacheVersion))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.NodeID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.OpName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.Version))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.CfgHash))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.PolicyHash))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.InputStateHash))
	_, _ = h.Write([]byte{0})

	depIDs := make([]string, 0, len(p.DepHashes))
	for id := range p.DepHashes {
		depIDs = append(depIDs, id)
	}
	sort.Strings(depIDs)
	for _, id := range depIDs {
		_, _ = fmt.Fprintf(h, "%s:%s,", id, p.DepHashes[id])
	}
	return hex.EncodeToString(h.Sum(nil))
}
