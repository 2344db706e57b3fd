package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// StateCodec converts between a pipeline state and the opaque byte blob
// DagCache stores under meta["state_blob"]. Stage state types are
// domain-specific (spec.md's Non-goals exclude defining them here), so the
// executor supplies a codec bound to its concrete state type.
type StateCodec interface {
	Encode(state any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// DagCache is the wrapper named in spec.md §4.1/§6: it base64-encodes the
// state into meta["state_blob"] and leaves the arrays bundle empty, so any
// Backend (memory, disk, shared-disk, redis) can serve as the executor's
// cache without knowing about pipeline state types at all.
type DagCache struct {
	backend Backend
	codec   StateCodec
}

// NewDagCache binds a Backend and a StateCodec into the executor-facing cache.
func NewDagCache(backend Backend, codec StateCodec) *DagCache {
	return &DagCache{backend: backend, codec: codec}
}

// StoredResult is what DagCache reconstructs from a hit: state plus the
// metrics and provenance the executor needs to replay a cache hit as if
// the stage had just run.
type StoredResult struct {
	State      any
	Metrics    map[string]float64
	Provenance map[string]any
}

func (c *DagCache) Get(ctx context.Context, key string) (*StoredResult, bool, error) {
	entry, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}

	blobStr, _ := entry.Meta["state_blob"].(string)
	blob, err := base64.StdEncoding.DecodeString(blobStr)
	if err != nil {
		return nil, false, fmt.Errorf("cache: dagcache: decode state blob: %w", err)
	}
	state, err := c.codec.Decode(blob)
	if err != nil {
		return nil, false, fmt.Errorf("cache: dagcache: decode state: %w", err)
	}

	metrics, err := decodeMetrics(entry.Meta["metrics"])
	if err != nil {
		return nil, false, err
	}
	provenance, _ := entry.Meta["provenance"].(map[string]any)

	return &StoredResult{State: state, Metrics: metrics, Provenance: provenance}, true, nil
}

func (c *DagCache) Put(ctx context.Context, key string, state any, metrics map[string]float64, provenance map[string]any, ttl time.Duration) error {
	blob, err := c.codec.Encode(state)
	if err != nil {
		return fmt.Errorf("cache: dagcache: encode state: %w", err)
	}
	meta := Meta{
		"state_blob": base64.StdEncoding.EncodeToString(blob),
		"metrics":    metrics,
		"provenance": provenance,
	}
	return c.backend.Put(ctx, key, meta, nil, ttl)
}

func (c *DagCache) Exists(ctx context.Context, key string) (bool, error) {
	return c.backend.Exists(ctx, key)
}

func decodeMetrics(raw any) (map[string]float64, error) {
	if raw == nil {
		return nil, nil
	}
	// Values may arrive as map[string]float64 directly (memory backend,
	// which never round-trips through JSON) or map[string]any with
	// float64 values (disk/redis backends, which do).
	switch m := raw.(type) {
	case map[string]float64:
		return m, nil
	case map[string]any:
		out := make(map[string]float64, len(m))
		for k, v := range m {
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("cache: dagcache: metric %q has non-numeric cached value %T", k, v)
			}
			out[k] = f
		}
		return out, nil
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("cache: dagcache: re-marshal metrics: %w", err)
		}
		var out map[string]float64
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("cache: dagcache: decode metrics: %w", err)
		}
		return out, nil
	}
}
