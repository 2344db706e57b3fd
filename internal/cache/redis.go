package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each entry as a single JSON blob under a redis key,
// enforcing TTL natively via redis's own expiry (spec.md §4.2: "TTL is...
// enforced (redis)"), unlike the disk backend where TTL is advisory.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps an existing go-redis client. prefix namespaces keys
// so multiple pipelines can share one redis instance.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) redisKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + ":" + key
}

type redisPayload struct {
	Meta   Meta              `json:"meta"`
	Arrays map[string][]byte `json:"arrays,omitempty"`
}

func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := b.client.Get(ctx, b.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis backend: get: %w", err)
	}
	var payload redisPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false, fmt.Errorf("cache: redis backend: decode: %w", err)
	}
	return &Entry{Meta: payload.Meta, Arrays: payload.Arrays}, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, key string, meta Meta, arrays map[string][]byte, ttl time.Duration) error {
	raw, err := json.Marshal(redisPayload{Meta: meta, Arrays: arrays})
	if err != nil {
		return fmt.Errorf("cache: redis backend: encode: %w", err)
	}
	// A ttl of 0 means "no expiry" to go-redis, matching spec.md's optional ttl.
	if err := b.client.Set(ctx, b.redisKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis backend: set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis backend: exists: %w", err)
	}
	return n > 0, nil
}
