package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/weftlabs/weft/internal/adapter"
	"github.com/weftlabs/weft/internal/cache"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/replication"
	"github.com/weftlabs/weft/internal/resolver"
	"github.com/weftlabs/weft/internal/telemetry"
	"github.com/weftlabs/weft/internal/types"
)

// runtime bundles the long-lived collaborators a command needs. Commands
// that only read or append events build it without adapters; serve builds
// the full set.
type runtime struct {
	registry    *adapter.Registry
	resolver    *resolver.Resolver
	invalidator *cache.Invalidator
	replicator  *replication.Replicator
	engine      *engine.Engine

	natsConn *nats.Conn
	provider cache.Provider
}

// newRuntime assembles the engine and its collaborators from cfg. With
// full=false it skips adapters, cache, and replication so that metadata
// commands (submit, events, health) work without external services.
func newRuntime(ctx context.Context, full bool) (*runtime, error) {
	rt := &runtime{
		registry: adapter.NewRegistry(),
		resolver: resolver.New(cfg, store, logger),
	}

	if full {
		if err := rt.buildAdapters(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		if rt.provider == nil && anyCacheEnabled() {
			if _, err := rt.cacheProvider("cache"); err != nil {
				rt.Close()
				return nil, err
			}
		}
		rt.invalidator = cache.NewInvalidator(cfg, store, logger)
		if rt.provider != nil {
			rt.invalidator.RegisterProvider(rt.provider)
		}
		rt.registerDependentLookups()
		if err := rt.buildReplicator(); err != nil {
			rt.Close()
			return nil, err
		}
	}

	rt.engine = engine.New(engine.Options{
		Config:      cfg,
		Store:       store,
		Registry:    rt.registry,
		Resolver:    rt.resolver,
		Invalidator: rt.invalidator,
		Replicator:  rt.replicator,
		Metrics:     telemetry.NewMetrics(),
		Logger:      logger,
	})
	return rt, nil
}

func anyCacheEnabled() bool {
	for _, ec := range cfg.Entities {
		if ec.Cache.Enabled {
			return true
		}
	}
	return false
}

// buildAdapters instantiates every adapter referenced by the entity
// configuration, deduplicated by name.
func (rt *runtime) buildAdapters(ctx context.Context) error {
	seen := map[string]config.AdapterRef{}
	for _, ec := range cfg.Entities {
		for _, ref := range ec.Adapters {
			if prev, ok := seen[ref.Name]; ok {
				if prev.Kind != ref.Kind {
					return fmt.Errorf("adapter %q declared with kinds %q and %q", ref.Name, prev.Kind, ref.Kind)
				}
				continue
			}
			seen[ref.Name] = ref
		}
	}

	for name, ref := range seen {
		var (
			a   adapter.Adapter
			err error
		)
		switch ref.Kind {
		case adapter.KindMemory:
			a = adapter.NewMemory(name)
		case adapter.KindDatabase:
			path := ref.DSN
			if path == "" {
				path = name + ".db"
			}
			a, err = adapter.NewDatabase(ctx, name, path)
		case adapter.KindSearchIndex:
			a = adapter.NewSearchIndex(name)
		case adapter.KindExternalAPI:
			if ref.DSN == "" {
				return fmt.Errorf("external-api adapter %q needs a dsn (base URL)", name)
			}
			a = adapter.NewExternalAPI(name, ref.DSN)
		case adapter.KindCache:
			provider, perr := rt.cacheProvider(name)
			if perr != nil {
				return perr
			}
			a = adapter.NewCache(name, provider, time.Hour)
		default:
			return fmt.Errorf("adapter %q has unknown kind %q", name, ref.Kind)
		}
		if err != nil {
			return fmt.Errorf("failed to build adapter %q: %w", name, err)
		}
		if err := rt.registry.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// cacheProvider returns the shared cache backend: Redis when configured,
// an in-process map otherwise.
func (rt *runtime) cacheProvider(name string) (cache.Provider, error) {
	if rt.provider != nil {
		return rt.provider, nil
	}
	if cfg.RedisURL != "" {
		p, err := cache.NewRedisProvider(name, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rt.provider = p
		return p, nil
	}
	rt.provider = cache.NewMemoryProvider(name)
	return rt.provider, nil
}

// registerDependentLookups wires a reference-field scan for every entity
// type named as a cache dependency, so dependency-mode invalidation can
// find dependent IDs without a bespoke index.
func (rt *runtime) registerDependentLookups() {
	for _, ec := range cfg.Entities {
		for _, dep := range ec.Cache.Dependencies {
			depCfg := cfg.Entity(dep)
			if depCfg == nil || len(depCfg.ReferenceFields) == 0 {
				continue
			}
			depType := dep
			rt.invalidator.RegisterLookup(depType, func(ctx context.Context, entityType, entityID string) ([]string, error) {
				return rt.findReferencing(ctx, depType, entityType, entityID)
			})
		}
	}
}

// findReferencing scans depType's first enumerable adapter for records
// whose reference field targeting entityType holds entityID.
func (rt *runtime) findReferencing(ctx context.Context, depType, entityType, entityID string) ([]string, error) {
	depCfg := cfg.Entity(depType)
	var field string
	for f, target := range depCfg.ReferenceFields {
		if target == entityType {
			field = f
			break
		}
	}
	if field == "" {
		return nil, nil
	}

	var src adapter.Adapter
	for _, ref := range depCfg.Adapters {
		a, err := rt.registry.Get(ref.Name)
		if err == nil && a.Kind() != adapter.KindCache {
			src = a
			break
		}
	}
	if src == nil {
		return nil, fmt.Errorf("no enumerable adapter for %q", depType)
	}

	ids, err := src.ListIDs(ctx, depType)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		p, err := src.Read(ctx, depType, id)
		if errors.Is(err, adapter.ErrAbsent) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if v, ok := p[field]; ok && v.Kind == types.KindString && v.Str == entityID {
			out = append(out, id)
		}
	}
	return out, nil
}

// buildReplicator connects the NATS transport when a URL is configured.
// Without one, cross-region replication stays off and events complete
// locally.
func (rt *runtime) buildReplicator() error {
	if cfg.NATSURL == "" {
		logger.Debug("replication disabled: no nats-url configured")
		return nil
	}
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("weft-"+cfg.Region),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	rt.natsConn = conn
	rt.replicator = replication.New(cfg, store, replication.NewNATSTransport(conn), logger)
	return nil
}

// replicatorOrError is used by replication subcommands, which are
// meaningless without a transport.
func (rt *runtime) replicatorOrError() (*replication.Replicator, error) {
	if rt.replicator == nil {
		return nil, fmt.Errorf("replication is not configured (set nats-url)")
	}
	return rt.replicator, nil
}

func (rt *runtime) Close() {
	if c, ok := rt.provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close cache provider", "error", err)
		}
	}
	if rt.natsConn != nil {
		rt.natsConn.Close()
	}
}
