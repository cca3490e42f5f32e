package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weftlabs/weft/internal/types"
)

const defaultNamespace = "weft"

// RedisOption is a functional option for configuring the Redis provider.
type RedisOption func(*RedisProvider)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) RedisOption {
	return func(p *RedisProvider) {
		if ns != "" {
			p.namespace = ns
		}
	}
}

// RedisProvider implements Provider backed by Redis. Payloads are stored
// as JSON strings; tags are kept in Redis sets so tag invalidation is one
// SMEMBERS away.
type RedisProvider struct {
	client    *redis.Client
	name      string
	namespace string
	hits      atomic.Int64
	misses    atomic.Int64
}

// NewRedisProvider creates a Redis-backed cache provider.
// redisURL should be a valid Redis URL (e.g., "redis://localhost:6379/0").
func NewRedisProvider(name, redisURL string, opts ...RedisOption) (*RedisProvider, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	p := &RedisProvider{
		client:    redis.NewClient(redisOpts),
		name:      name,
		namespace: defaultNamespace,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewRedisProviderFromClient wraps an existing client (tests use this with
// miniredis).
func NewRedisProviderFromClient(name string, client *redis.Client, opts ...RedisOption) *RedisProvider {
	p := &RedisProvider{client: client, name: name, namespace: defaultNamespace}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider's registered name.
func (p *RedisProvider) Name() string { return p.name }

func (p *RedisProvider) key(key string) string { return p.namespace + ":" + key }
func (p *RedisProvider) tagKey(tag string) string { return p.namespace + ":tag:" + tag }

// Get returns the cached payload or ErrCacheMiss.
func (p *RedisProvider) Get(ctx context.Context, key string) (types.Payload, error) {
	data, err := p.client.Get(ctx, p.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		p.misses.Add(1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	var payload types.Payload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached payload %q: %w", key, err)
	}
	p.hits.Add(1)
	return payload, nil
}

// Set writes a payload with a TTL. A zero TTL means no expiry.
func (p *RedisProvider) Set(ctx context.Context, key string, value types.Payload, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %q: %w", key, err)
	}
	if err := p.client.Set(ctx, p.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Tag associates tags with a key via Redis sets.
func (p *RedisProvider) Tag(ctx context.Context, key string, tags []string) error {
	for _, tag := range tags {
		if err := p.client.SAdd(ctx, p.tagKey(tag), p.key(key)).Err(); err != nil {
			return fmt.Errorf("redis tag %q with %q: %w", key, tag, err)
		}
	}
	return nil
}

// Delete removes a key.
func (p *RedisProvider) Delete(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, p.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %q: %w", key, err)
	}
	return nil
}

// MarkStale shortens the key's TTL to StaleTTL instead of deleting it, so
// readers can serve the stale value while a refresh is in flight.
func (p *RedisProvider) MarkStale(ctx context.Context, key string) error {
	// EXPIRE on a missing key is a no-op, which is the behavior we want.
	if err := p.client.Expire(ctx, p.key(key), StaleTTL).Err(); err != nil {
		return fmt.Errorf("redis mark stale %q: %w", key, err)
	}
	return nil
}

// DeleteByTags removes every key carrying any of the tags, then the tag
// sets themselves.
func (p *RedisProvider) DeleteByTags(ctx context.Context, tags []string) error {
	for _, tag := range tags {
		members, err := p.client.SMembers(ctx, p.tagKey(tag)).Result()
		if err != nil {
			return fmt.Errorf("redis members of tag %q: %w", tag, err)
		}
		if len(members) > 0 {
			if err := p.client.Del(ctx, members...).Err(); err != nil {
				return fmt.Errorf("redis delete by tag %q: %w", tag, err)
			}
		}
		if err := p.client.Del(ctx, p.tagKey(tag)).Err(); err != nil {
			return fmt.Errorf("redis drop tag set %q: %w", tag, err)
		}
	}
	return nil
}

// DeleteByPattern removes keys matching the glob via SCAN.
func (p *RedisProvider) DeleteByPattern(ctx context.Context, glob string) error {
	iter := p.client.Scan(ctx, 0, p.key(glob), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %q: %w", glob, err)
	}
	if len(keys) > 0 {
		if err := p.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis delete by pattern %q: %w", glob, err)
		}
	}
	return nil
}

// Stats reports hit/miss counters and the keyspace size.
func (p *RedisProvider) Stats(ctx context.Context) (Stats, error) {
	size, err := p.client.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis dbsize: %w", err)
	}
	hits, misses := p.hits.Load(), p.misses.Load()
	stats := Stats{Hits: hits, Misses: misses, Size: int(size)}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

// Cleanup is a no-op: Redis expires entries natively.
func (p *RedisProvider) Cleanup(context.Context) error { return nil }

// Close releases the underlying client.
func (p *RedisProvider) Close() error { return p.client.Close() }
