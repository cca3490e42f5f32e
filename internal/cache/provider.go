// Package cache provides cache providers and the invalidation engine.
//
// A Provider is one concrete cache (Redis, in-process memory). The
// Invalidator fans invalidations out to every registered provider using
// the per-entity-type strategy from configuration.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

// ErrCacheMiss is returned by Get when the key is absent or stale.
var ErrCacheMiss = errors.New("cache miss")

// StaleTTL is the TTL applied by MarkStale for providers without a
// dedicated stale flag: the entry survives just long enough for an
// in-flight read to finish.
const StaleTTL = time.Second

// Stats reports a provider's health numbers.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Size        int     `json:"size"`
	MemoryBytes int64   `json:"memory_bytes"`
}

// Provider is one concrete cache backend.
type Provider interface {
	Name() string

	// Get returns the cached payload or ErrCacheMiss.
	Get(ctx context.Context, key string) (types.Payload, error)

	// Set writes a payload with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value types.Payload, ttl time.Duration) error

	// Tag associates tags with an existing key for tag-based invalidation.
	Tag(ctx context.Context, key string, tags []string) error

	Delete(ctx context.Context, key string) error
	MarkStale(ctx context.Context, key string) error
	DeleteByTags(ctx context.Context, tags []string) error
	DeleteByPattern(ctx context.Context, glob string) error

	Stats(ctx context.Context) (Stats, error)

	// Cleanup evicts expired entries. Backends with native expiry may
	// treat this as a no-op.
	Cleanup(ctx context.Context) error
}

// EntityKey builds the canonical cache key for an entity.
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}
