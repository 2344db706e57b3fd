// Package sweep implements the grid expansion of spec.md §4.7: replacing
// a single swept node with the Cartesian product of a parameter grid,
// each combination getting its own cloned config, fresh stage instance,
// and deterministic id. Combination merging uses dario.cat/mergo, the
// same override-merge library internal/policy.Bag.Merge uses for run
// policy composition, kept consistent across the module per DESIGN.md.
package sweep

import (
	"fmt"
	"sort"
	"strings"

	"dario.cat/mergo"

	"github.com/dagucloud/pipeline/internal/dag"
)

// Factory builds a fresh stage instance from a cloned base config with
// the given field overrides applied. Implementations own the concrete
// config type; sweep only ever hands them a generic override map,
// mirroring the "clone the base config with overrides applied" step of
// spec.md §4.7 without requiring dag.StageConfig to expose its fields.
type Factory func(overrides map[string]any) (dag.Stage, error)

// Spec describes one swept node: which node to replace and the grid of
// field overrides to expand it over. Grid maps a field name to the list
// of values it should take; the expansion is the Cartesian product
// across all fields.
type Spec struct {
	NodeID  string
	Grid    map[string][]any
	Factory Factory
}

// Expand replaces base (whose ID must equal spec.NodeID) with one
// dag.NodeSpec per combination in spec.Grid, each carrying its override
// dict in Metadata["sweep"] and a deterministic id of
// "<base_id>__<k1>-<v1>_<k2>-<v2>..." with keys sorted lexicographically.
// deps, op_name, version, and resources are preserved verbatim on every
// variant; nodes elsewhere in the graph that reference base.ID by id are
// not rewired (spec.md §4.7's documented limitation — the caller must
// rewrite any dependents' Deps entries itself).
func Expand(base dag.NodeSpec, spec Spec) ([]dag.NodeSpec, error) {
	if base.ID != spec.NodeID {
		return nil, fmt.Errorf("sweep: spec targets node %q but base node is %q", spec.NodeID, base.ID)
	}
	if len(spec.Grid) == 0 {
		return nil, fmt.Errorf("sweep: node %q has an empty param grid", spec.NodeID)
	}

	keys := make([]string, 0, len(spec.Grid))
	for k := range spec.Grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos, err := cartesianProduct(keys, spec.Grid)
	if err != nil {
		return nil, err
	}

	variants := make([]dag.NodeSpec, 0, len(combos))
	for _, combo := range combos {
		overrides := make(map[string]any, len(combo))
		if err := mergo.Merge(&overrides, combo, mergo.WithOverride()); err != nil {
			return nil, fmt.Errorf("sweep: merge override for node %q: %w", base.ID, err)
		}

		newStage, err := spec.Factory(overrides)
		if err != nil {
			return nil, fmt.Errorf("sweep: build stage for node %q variant %v: %w", base.ID, overrides, err)
		}

		id := variantID(base.ID, keys, combo)
		metadata := cloneMetadata(base.Metadata)
		metadata["sweep"] = overrides

		variants = append(variants, dag.NodeSpec{
			ID:            id,
			Deps:          base.Deps,
			OpName:        base.OpName,
			Version:       base.Version,
			Stage:         newStage,
			Resources:     base.Resources,
			Metadata:      metadata,
			InputSelector: base.InputSelector,
		})
	}
	return variants, nil
}

func variantID(baseID string, keys []string, combo map[string]any) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s-%v", k, combo[k]))
	}
	return baseID + "__" + strings.Join(parts, "_")
}

func cloneMetadata(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	return out
}

// cartesianProduct enumerates every assignment of grid[keys[i]] values,
// in the fixed key order given, so callers can build deterministic ids.
func cartesianProduct(keys []string, grid map[string][]any) ([]map[string]any, error) {
	combos := []map[string]any{{}}
	for _, k := range keys {
		values := grid[k]
		if len(values) == 0 {
			return nil, fmt.Errorf("sweep: grid field %q has no values", k)
		}
		next := make([]map[string]any, 0, len(combos)*len(values))
		for _, c := range combos {
			for _, v := range values {
				clone := make(map[string]any, len(c)+1)
				for ck, cv := range c {
					clone[ck] = cv
				}
				clone[k] = v
				next = append(next, clone)
			}
		}
		combos = next
	}
	return combos, nil
}
