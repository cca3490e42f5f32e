// Package engine orchestrates one sync event end to end: conflict
// resolution, adapter fanout, cache invalidation, and hand-off to the
// replicator, with retry and status transitions along the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weftlabs/weft/internal/adapter"
	"github.com/weftlabs/weft/internal/cache"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/replication"
	"github.com/weftlabs/weft/internal/resolver"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/telemetry"
	"github.com/weftlabs/weft/internal/types"
)

// pollInterval is how long an idle worker sleeps before asking the
// store for work again.
const pollInterval = 250 * time.Millisecond

// Engine drains pending sync events with a worker pool and runs each
// through the processing pipeline.
type Engine struct {
	cfg         *config.Config
	store       storage.Store
	registry    *adapter.Registry
	resolver    *resolver.Resolver
	invalidator *cache.Invalidator
	replicator  *replication.Replicator
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Options carries the engine's collaborators. Store, Registry and
// Resolver are required; Invalidator and Replicator may be nil to
// disable those stages.
type Options struct {
	Config      *config.Config
	Store       storage.Store
	Registry    *adapter.Registry
	Resolver    *resolver.Resolver
	Invalidator *cache.Invalidator
	Replicator  *replication.Replicator
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// New assembles an engine from its collaborators.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Engine{
		cfg:         opts.Config,
		store:       opts.Store,
		registry:    opts.Registry,
		resolver:    opts.Resolver,
		invalidator: opts.Invalidator,
		replicator:  opts.Replicator,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Start launches the worker pool. It returns immediately; workers run
// until Stop or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	workers := e.cfg.Workers
	if workers < config.MinWorkers {
		workers = config.DefaultWorkers
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.logger.Info("engine started", "workers", workers)
	return nil
}

// Stop cancels the workers and waits for in-flight events to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.running = false
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	logger := e.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, err := e.store.ClaimNextPending(ctx, e.now())
		if errors.Is(err, storage.ErrNoPendingEvents) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to claim event", "error", err)
			}
			continue
		}
		e.ProcessEvent(ctx, ev)
	}
}

// ProcessEvent runs one claimed (processing) event through the
// pipeline and transitions it to a terminal state or retrying.
func (e *Engine) ProcessEvent(ctx context.Context, ev *types.SyncEvent) {
	logger := e.logger.With(
		"event_id", ev.ID,
		"entity_type", ev.EntityType,
		"entity_id", ev.EntityID,
		"kind", ev.Kind,
		"attempt", ev.AttemptCount)

	ec := e.cfg.Entity(ev.EntityType)
	if ec == nil {
		e.finish(ctx, ev, types.StatusFailed, fmt.Sprintf("no configuration for entity type %q", ev.EntityType))
		logger.Warn("event failed: entity type not configured")
		return
	}

	deadline := ec.Deadline(e.cfg.EventDeadline)
	evCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	payload, err := e.effectivePayload(evCtx, ev, ec)
	if err != nil {
		e.finish(ctx, ev, types.StatusFailed, err.Error())
		logger.Warn("event failed: conflict unresolved", "error", err)
		return
	}

	if ev.Kind != types.KindDelete {
		if err := ec.ValidateSchema(payload); err != nil {
			e.finish(ctx, ev, types.StatusFailed, fmt.Sprintf("schema validation failed: %v", err))
			logger.Warn("event failed: schema validation", "error", err)
			return
		}
	}

	transientErrs, permanentErrs, succeeded := e.fanout(evCtx, ev, ec, payload)

	if succeeded > 0 && len(permanentErrs) == 0 && e.invalidator != nil {
		if err := e.invalidator.Invalidate(evCtx, ev.EntityType, ev.EntityID); err != nil {
			logger.Warn("cache invalidation failed", "error", err)
		} else {
			e.metrics.Invalidations.Add(ctx, 1)
		}
		if ev.Kind != types.KindDelete {
			if err := e.invalidator.Warm(evCtx, ev.EntityType, ev.EntityID, payload); err != nil {
				logger.Warn("cache warm failed", "error", err)
			}
		}
	}

	switch {
	case len(transientErrs) == 0 && len(permanentErrs) == 0:
		e.finish(ctx, ev, types.StatusCompleted, "")
		logger.Info("event completed", "adapters", succeeded)
		if e.replicator != nil {
			ev.Status = types.StatusCompleted
			ev.Payload = payload
			if err := e.replicator.ReplicateEvent(ctx, ev); err != nil {
				// Replication failures never fail a completed event;
				// the cursor carries the error and catch-up recovers.
				logger.Warn("replication failed", "error", err)
			} else {
				e.metrics.ReplicationMessages.Add(ctx, 1)
			}
		}

	case len(permanentErrs) > 0:
		e.finish(ctx, ev, types.StatusFailed, joinErrors(append(permanentErrs, transientErrs...)))
		logger.Warn("event failed permanently", "errors", len(permanentErrs))

	case ev.AttemptCount >= ev.MaxAttempts:
		e.finish(ctx, ev, types.StatusFailed, "max attempts exhausted: "+joinErrors(transientErrs))
		logger.Warn("event failed: attempts exhausted")

	default:
		next := e.now().Add(e.backoffFor(ev.AttemptCount))
		if err := e.store.MarkRetry(ctx, ev.ID, joinErrors(transientErrs), next); err != nil {
			logger.Error("failed to schedule retry", "error", err)
			return
		}
		e.metrics.Retries.Add(ctx, 1)
		e.metrics.RecordEvent(ctx, string(types.StatusRetrying))
		logger.Info("event scheduled for retry", "next_attempt", next)
	}
}

// effectivePayload resolves the payload to fan out: the event's own
// payload, or the conflict resolution outcome when the stored snapshot
// diverges. A retried event whose conflict already resolved reuses the
// persisted resolution.
func (e *Engine) effectivePayload(ctx context.Context, ev *types.SyncEvent, ec *config.EntityConfig) (types.Payload, error) {
	if e.resolver == nil || ev.Kind == types.KindDelete {
		return ev.Payload, nil
	}

	if ev.AttemptCount > 1 {
		rec, err := e.store.GetConflictByEvent(ctx, ev.ID)
		if err == nil && rec.State == types.ConflictResolved {
			return rec.ResolvedPayload, nil
		}
	}

	stored, source, err := e.readStored(ctx, ev, ec)
	if err != nil {
		return ev.Payload, nil // unreadable target: fanout decides
	}

	kind := e.resolver.Detect(ec, ev.Payload, stored, ev.Version, storedVersion(stored))
	if kind == "" {
		return ev.Payload, nil
	}
	e.metrics.RecordConflict(ctx, string(kind))

	rec, err := e.resolver.Open(ctx, ev, kind, ev.Payload, stored, []string{ev.Source, source})
	if err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}
	resolved, err := e.resolver.Resolve(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetEventPayload(ctx, ev.ID, resolved); err != nil {
		return nil, fmt.Errorf("failed to persist resolved payload: %w", err)
	}
	return resolved, nil
}

// readStored reads the current snapshot from the entity's first
// writable adapter.
func (e *Engine) readStored(ctx context.Context, ev *types.SyncEvent, ec *config.EntityConfig) (types.Payload, string, error) {
	for _, ref := range ec.WritableAdapters() {
		a, err := e.registry.Get(ref.Name)
		if err != nil {
			continue
		}
		stored, err := a.Read(ctx, ev.EntityType, ev.EntityID)
		if errors.Is(err, adapter.ErrAbsent) {
			return nil, ref.Name, nil
		}
		if err != nil {
			return nil, ref.Name, err
		}
		return stored, ref.Name, nil
	}
	return nil, "", nil
}

// fanout applies the event to every writable adapter, classifying each
// failure. A deadline hit counts as transient for the attempt.
func (e *Engine) fanout(ctx context.Context, ev *types.SyncEvent, ec *config.EntityConfig, payload types.Payload) (transient, permanent []error, succeeded int) {
	for _, ref := range ec.WritableAdapters() {
		a, err := e.registry.Get(ref.Name)
		if err != nil {
			permanent = append(permanent, err)
			continue
		}
		err = a.Apply(ctx, ev.Kind, ev.EntityType, ev.EntityID, payload)
		if err == nil {
			succeeded++
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) || adapter.IsTransient(err) {
			transient = append(transient, err)
		} else {
			permanent = append(permanent, err)
		}
	}
	return transient, permanent, succeeded
}

// finish moves an event to a terminal state and records the outcome.
func (e *Engine) finish(ctx context.Context, ev *types.SyncEvent, status types.EventStatus, lastErr string) {
	if err := e.store.UpdateEventStatus(ctx, ev.ID, status, lastErr); err != nil {
		e.logger.Error("failed to update event status",
			"event_id", ev.ID, "status", status, "error", err)
		return
	}
	e.metrics.RecordEvent(ctx, string(status))
}

// backoffFor computes the delay before the next attempt using
// exponential backoff with jitter.
func (e *Engine) backoffFor(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.BackoffBase()
	eb.Multiplier = e.cfg.RetryBackoffFactor
	eb.RandomizationFactor = e.cfg.JitterRatio
	eb.MaxInterval = 10 * time.Minute
	eb.MaxElapsedTime = 0
	eb.Reset()

	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

func storedVersion(stored types.Payload) int64 {
	if stored == nil {
		return 0
	}
	return int64(stored.Number(types.FieldVersion))
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
