package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// Invalidation modes, matched against CacheConfig.Mode.
const (
	ModeImmediate    = "immediate"
	ModeLazy         = "lazy"
	ModeScheduled    = "scheduled"
	ModeTags         = "tags"
	ModeDependencies = "dependencies"
)

// bulkBatchSize caps how many keys a single bulk pass touches before
// checking for errors, so one bad batch does not abort the rest.
const bulkBatchSize = 100

// sweepBatchSize bounds one drain of the scheduled-invalidation queue.
const sweepBatchSize = 500

// cleanupInterval is how often providers are asked to evict expired
// entries.
const cleanupInterval = time.Hour

// DependentLookup resolves the IDs of dependent entities to invalidate
// when a source entity changes. entityType/entityID identify the source;
// the returned IDs belong to the dependent type the lookup was
// registered for.
type DependentLookup func(ctx context.Context, entityType, entityID string) ([]string, error)

// Invalidator fans cache invalidations out to every registered provider
// using the per-entity-type mode from configuration.
type Invalidator struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger

	mu        sync.RWMutex
	providers []Provider
	lookups   map[string]DependentLookup // dependent entity type -> lookup
}

// NewInvalidator creates an invalidator with no providers registered.
func NewInvalidator(cfg *config.Config, store storage.Store, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		lookups: map[string]DependentLookup{},
	}
}

// RegisterProvider adds a cache provider. Call during startup, before
// events flow.
func (inv *Invalidator) RegisterProvider(p Provider) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.providers = append(inv.providers, p)
}

// RegisterLookup installs the dependent-ID lookup for an entity type.
// Invalidating a source entity whose config lists entityType as a
// dependency calls this lookup to find which IDs to evict.
func (inv *Invalidator) RegisterLookup(entityType string, fn DependentLookup) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.lookups[entityType] = fn
}

func (inv *Invalidator) snapshot() []Provider {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]Provider, len(inv.providers))
	copy(out, inv.providers)
	return out
}

// Invalidate applies the configured invalidation mode for one entity.
// Entities with caching disabled (or no config) are a no-op.
func (inv *Invalidator) Invalidate(ctx context.Context, entityType, entityID string) error {
	visited := map[string]struct{}{}
	return inv.invalidate(ctx, entityType, entityID, visited)
}

func (inv *Invalidator) invalidate(ctx context.Context, entityType, entityID string, visited map[string]struct{}) error {
	key := EntityKey(entityType, entityID)
	if _, seen := visited[key]; seen {
		return nil
	}
	visited[key] = struct{}{}

	ec := inv.cfg.Entity(entityType)
	if ec == nil || !ec.Cache.Enabled {
		return nil
	}

	switch ec.Cache.Mode {
	case ModeImmediate, "":
		// Immediate eviction also clears any tag sets the entity's
		// keys were warmed under.
		if err := inv.deleteKey(ctx, key); err != nil {
			return err
		}
		return inv.deleteTags(ctx, ec.Cache.Tags)
	case ModeLazy:
		return inv.markStale(ctx, key)
	case ModeScheduled:
		return inv.store.EnqueueInvalidation(ctx, key)
	case ModeTags:
		if err := inv.deleteKey(ctx, key); err != nil {
			return err
		}
		return inv.deleteTags(ctx, ec.Cache.Tags)
	case ModeDependencies:
		if err := inv.deleteKey(ctx, key); err != nil {
			return err
		}
		return inv.invalidateDependents(ctx, entityType, entityID, ec.Cache.Dependencies, visited)
	default:
		return fmt.Errorf("entity %q: unknown cache mode %q", entityType, ec.Cache.Mode)
	}
}

func (inv *Invalidator) invalidateDependents(ctx context.Context, entityType, entityID string, deps []string, visited map[string]struct{}) error {
	var errs []error
	for _, dep := range deps {
		inv.mu.RLock()
		lookup := inv.lookups[dep]
		inv.mu.RUnlock()
		if lookup == nil {
			inv.logger.Warn("no dependent lookup registered", "entity_type", dep, "source", entityType)
			continue
		}
		ids, err := lookup(ctx, entityType, entityID)
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup dependents %s of %s/%s: %w", dep, entityType, entityID, err))
			continue
		}
		for _, id := range ids {
			if err := inv.invalidate(ctx, dep, id, visited); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Warm writes a fresh payload into every provider after a successful
// sync, using the entity's configured TTL. Entities without warming
// enabled (ttl-seconds == 0) are a no-op.
func (inv *Invalidator) Warm(ctx context.Context, entityType, entityID string, payload types.Payload) error {
	ec := inv.cfg.Entity(entityType)
	if ec == nil || !ec.Cache.Enabled || ec.Cache.TTLSeconds <= 0 {
		return nil
	}
	key := EntityKey(entityType, entityID)
	ttl := time.Duration(ec.Cache.TTLSeconds) * time.Second
	var errs []error
	for _, p := range inv.snapshot() {
		if err := p.Set(ctx, key, payload, ttl); err != nil {
			errs = append(errs, fmt.Errorf("warm %s on %s: %w", key, p.Name(), err))
			continue
		}
		if len(ec.Cache.Tags) > 0 {
			if err := p.Tag(ctx, key, ec.Cache.Tags); err != nil {
				errs = append(errs, fmt.Errorf("tag %s on %s: %w", key, p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// BulkInvalidate evicts many entities of one type, in batches so a
// failing batch does not abort the rest. The returned error joins the
// per-batch failures.
func (inv *Invalidator) BulkInvalidate(ctx context.Context, entityType string, ids []string) error {
	var errs []error
	for start := 0; start < len(ids); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		var batchErrs []error
		for _, id := range ids[start:end] {
			if err := inv.Invalidate(ctx, entityType, id); err != nil {
				batchErrs = append(batchErrs, err)
			}
		}
		if len(batchErrs) > 0 {
			inv.logger.Warn("bulk invalidation batch had failures",
				"entity_type", entityType, "batch_start", start, "failures", len(batchErrs))
			errs = append(errs, batchErrs...)
		}
	}
	return errors.Join(errs...)
}

// InvalidateType evicts every cached entry of one entity type from
// every provider by key pattern, regardless of the entity's configured
// invalidation mode. Used for flushes after bulk backfills, where
// enumerating IDs per entity would be wasteful.
func (inv *Invalidator) InvalidateType(ctx context.Context, entityType string) error {
	glob := EntityKey(entityType, "*")
	var errs []error
	for _, p := range inv.snapshot() {
		if err := p.DeleteByPattern(ctx, glob); err != nil {
			errs = append(errs, fmt.Errorf("delete pattern %s on %s: %w", glob, p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Sweep drains the scheduled-invalidation queue once, deleting each
// queued key from every provider. Returns how many keys were processed.
func (inv *Invalidator) Sweep(ctx context.Context) (int, error) {
	keys, err := inv.store.DequeueInvalidations(ctx, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeue invalidations: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := inv.deleteKey(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return len(keys), errors.Join(errs...)
}

// RunSweeper drains the scheduled-invalidation queue on the configured
// interval until ctx is canceled.
func (inv *Invalidator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(inv.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := inv.Sweep(ctx)
			if err != nil {
				inv.logger.Error("scheduled invalidation sweep failed", "error", err)
			} else if n > 0 {
				inv.logger.Debug("swept scheduled invalidations", "count", n)
			}
		}
	}
}

// RunCleanup asks every provider to evict expired entries once an hour
// until ctx is canceled.
func (inv *Invalidator) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range inv.snapshot() {
				if err := p.Cleanup(ctx); err != nil {
					inv.logger.Warn("cache cleanup failed", "provider", p.Name(), "error", err)
				}
			}
		}
	}
}

// Stats aggregates per-provider stats keyed by provider name.
func (inv *Invalidator) Stats(ctx context.Context) (map[string]Stats, error) {
	out := map[string]Stats{}
	var errs []error
	for _, p := range inv.snapshot() {
		s, err := p.Stats(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("stats for %s: %w", p.Name(), err))
			continue
		}
		out[p.Name()] = s
	}
	return out, errors.Join(errs...)
}

func (inv *Invalidator) deleteKey(ctx context.Context, key string) error {
	var errs []error
	for _, p := range inv.snapshot() {
		if err := p.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s on %s: %w", key, p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (inv *Invalidator) markStale(ctx context.Context, key string) error {
	var errs []error
	for _, p := range inv.snapshot() {
		if err := p.MarkStale(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("mark stale %s on %s: %w", key, p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (inv *Invalidator) deleteTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	var errs []error
	for _, p := range inv.snapshot() {
		if err := p.DeleteByTags(ctx, tags); err != nil {
			errs = append(errs, fmt.Errorf("delete tags on %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
