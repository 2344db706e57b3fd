// Package cache implements the cache backend contract of spec.md §4.2 and
// §6: a three-operation KV interface over an opaque cache key, plus the
// DagCache wrapper that serialises pipeline state into the backend's meta
// payload. The payload split (JSON-serialisable meta vs. named binary
// arrays) lets callers store compact binary arrays alongside scalar/string
// metadata without forcing every backend to understand array encoding.
package cache

import (
	"context"
	"time"
)

// Meta is the JSON-serialisable scalar/string/blob portion of a cache entry.
type Meta map[string]any

// Entry is what Get returns on a hit: meta plus the named array bundle.
type Entry struct {
	Meta   Meta
	Arrays map[string][]byte
}

// Backend is the opaque KV store mapping cache-key -> (meta, arrays).
// Implementations must make Put atomic with respect to Get: a partial
// write must never be observable as a hit.
type Backend interface {
	// Get returns the entry for key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (entry *Entry, ok bool, err error)
	// Put stores meta and arrays under key. ttl is advisory unless the
	// backend documents otherwise (the redis backend enforces it).
	Put(ctx context.Context, key string, meta Meta, arrays map[string][]byte, ttl time.Duration) error
	// Exists reports whether key currently has a (non-expired) entry.
	Exists(ctx context.Context, key string) (bool, error)
}
