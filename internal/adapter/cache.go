package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/cache"
	"github.com/weftlabs/weft/internal/types"
)

// Cache adapts a cache.Provider to the Adapter interface so a cache
// can participate in fanout as a write target. ListIDs is unsupported:
// caches are not enumerable, so completeness audits skip them.
type Cache struct {
	name     string
	provider cache.Provider
	ttl      time.Duration
}

// NewCache wraps a cache provider as a fanout target. ttl applies to
// every write; zero means no expiry.
func NewCache(name string, provider cache.Provider, ttl time.Duration) *Cache {
	return &Cache{name: name, provider: provider, ttl: ttl}
}

func (c *Cache) Name() string { return c.name }
func (c *Cache) Kind() string { return KindCache }

func (c *Cache) Apply(ctx context.Context, kind types.EventKind, entityType, entityID string, payload types.Payload) error {
	key := cache.EntityKey(entityType, entityID)
	if kind == types.KindDelete {
		if err := c.provider.Delete(ctx, key); err != nil {
			return NewTransient(c.name, err)
		}
		return nil
	}
	if err := c.provider.Set(ctx, key, payload, c.ttl); err != nil {
		return NewTransient(c.name, err)
	}
	return nil
}

func (c *Cache) Read(ctx context.Context, entityType, entityID string) (types.Payload, error) {
	p, err := c.provider.Get(ctx, cache.EntityKey(entityType, entityID))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, NewTransient(c.name, err)
	}
	return p, nil
}

// ListIDs is unsupported for caches.
func (c *Cache) ListIDs(context.Context, string) ([]string, error) {
	return nil, NewPermanent(c.name, errors.New("cache targets are not enumerable"))
}
