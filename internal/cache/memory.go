package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

type memoryEntry struct {
	value     types.Payload
	expiresAt time.Time // zero = no expiry
	tags      map[string]struct{}
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryProvider implements Provider with an in-process map. It backs
// tests and single-node deployments that do not run Redis.
type MemoryProvider struct {
	name    string
	mu      sync.Mutex
	entries map[string]*memoryEntry
	hits    int64
	misses  int64
	now     func() time.Time
}

// NewMemoryProvider creates an empty in-process cache provider.
func NewMemoryProvider(name string) *MemoryProvider {
	return &MemoryProvider{
		name:    name,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Name returns the provider's registered name.
func (p *MemoryProvider) Name() string { return p.name }

// Get returns the cached payload or ErrCacheMiss.
func (p *MemoryProvider) Get(_ context.Context, key string) (types.Payload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok || e.expired(p.now()) {
		if ok {
			delete(p.entries, key)
		}
		p.misses++
		return nil, ErrCacheMiss
	}
	p.hits++
	return e.value.Clone(), nil
}

// Set writes a payload with a TTL. A zero TTL means no expiry.
func (p *MemoryProvider) Set(_ context.Context, key string, value types.Payload, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := &memoryEntry{value: value.Clone(), tags: map[string]struct{}{}}
	if ttl > 0 {
		e.expiresAt = p.now().Add(ttl)
	}
	if old, ok := p.entries[key]; ok {
		e.tags = old.tags
	}
	p.entries[key] = e
	return nil
}

// Tag associates tags with an existing key. Tagging a missing key is a
// no-op.
func (p *MemoryProvider) Tag(_ context.Context, key string, tags []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	for _, tag := range tags {
		e.tags[tag] = struct{}{}
	}
	return nil
}

// Delete removes a key.
func (p *MemoryProvider) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
	return nil
}

// MarkStale shortens the key's TTL to StaleTTL.
func (p *MemoryProvider) MarkStale(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.expiresAt = p.now().Add(StaleTTL)
	}
	return nil
}

// DeleteByTags removes every key carrying any of the tags.
func (p *MemoryProvider) DeleteByTags(_ context.Context, tags []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		for _, tag := range tags {
			if _, ok := e.tags[tag]; ok {
				delete(p.entries, key)
				break
			}
		}
	}
	return nil
}

// DeleteByPattern removes keys matching the glob.
func (p *MemoryProvider) DeleteByPattern(_ context.Context, glob string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.entries {
		if ok, _ := path.Match(glob, key); ok {
			delete(p.entries, key)
		}
	}
	return nil
}

// Stats reports hit/miss counters and the live entry count.
func (p *MemoryProvider) Stats(_ context.Context) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{Hits: p.hits, Misses: p.misses, Size: len(p.entries)}
	if total := p.hits + p.misses; total > 0 {
		stats.HitRate = float64(p.hits) / float64(total)
	}
	return stats, nil
}

// Cleanup evicts expired entries.
func (p *MemoryProvider) Cleanup(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for key, e := range p.entries {
		if e.expired(now) {
			delete(p.entries, key)
		}
	}
	return nil
}

// Len returns the number of live entries (test helper).
func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
