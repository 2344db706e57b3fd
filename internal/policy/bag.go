// Package policy implements the run-wide override mapping injected into
// every stage invocation (spec.md §4.8).
package policy

import (
	"sort"

	"dario.cat/mergo"

	"github.com/dagucloud/pipeline/internal/hashutil"
)

// Bag is an immutable, insertion-order-irrelevant mapping from string keys
// to arbitrary values. Equality and Hash compare only the underlying
// mapping; iteration order never affects Hash.
type Bag struct {
	values map[string]any
}

// New constructs a Bag from a plain map. The map is copied so later
// mutation of the caller's map cannot violate the Bag's immutability.
func New(values map[string]any) *Bag {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Bag{values: copied}
}

// Empty returns a Bag with no entries.
func Empty() *Bag { return New(nil) }

// Get returns the value for key, or def if the key is absent.
func (b *Bag) Get(key string, def any) any {
	if b == nil {
		return def
	}
	if v, ok := b.values[key]; ok {
		return v
	}
	return def
}

// Keys returns the bag's keys in sorted order, for deterministic iteration.
func (b *Bag) Keys() []string {
	if b == nil {
		return nil
	}
	keys := make([]string, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of entries in the bag.
func (b *Bag) Len() int {
	if b == nil {
		return 0
	}
	return len(b.values)
}

// Map returns a defensive copy of the underlying mapping.
func (b *Bag) Map() map[string]any {
	out := make(map[string]any, b.Len())
	if b == nil {
		return out
	}
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

// Hash delegates to hashutil.PolicyHash, which is order-independent by construction.
func (b *Bag) Hash() (string, error) {
	return hashutil.PolicyHash(b.Map())
}

// Merge returns a new Bag with override's entries layered on top of b's,
// using dario.cat/mergo so that nested map values are merged field-by-field
// rather than replaced wholesale. Neither b nor override is mutated.
func (b *Bag) Merge(override *Bag) (*Bag, error) {
	base := b.Map()
	if override == nil {
		return New(base), nil
	}
	if err := mergo.Merge(&base, override.Map(), mergo.WithOverride()); err != nil {
		return nil, err
	}
	return New(base), nil
}
