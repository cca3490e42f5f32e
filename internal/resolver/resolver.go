// Package resolver detects conflicts between record snapshots and
// applies the configured resolution strategy. It is the only writer of
// conflict records: every detection creates one and drives it through
// detected → resolving → {resolved, failed}.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// concurrentWindow is how close two updated-at timestamps must be to
// count as a concurrent update.
const concurrentWindow = time.Second

// CustomFunc resolves a conflict the built-in strategies cannot. It
// returns the payload to fan out downstream.
type CustomFunc func(ctx context.Context, rec *types.ConflictRecord) (types.Payload, error)

// ErrManual marks a conflict routed to manual resolution: the record
// stays in state detected and the event fails.
type ErrManual struct{ ConflictID string }

func (e *ErrManual) Error() string {
	return fmt.Sprintf("conflict %s requires manual resolution", e.ConflictID)
}

// Resolver owns conflict detection and resolution.
type Resolver struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger

	mu     sync.RWMutex
	custom map[string]CustomFunc
}

// New creates a resolver backed by store.
func New(cfg *config.Config, store storage.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		store:  store,
		logger: logger,
		custom: map[string]CustomFunc{},
	}
}

// RegisterCustom installs a custom resolution function under name.
// Call during startup.
func (r *Resolver) RegisterCustom(name string, fn CustomFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[name] = fn
}

// Detect classifies the divergence between an incoming payload and the
// stored snapshot. Returns "" when there is no conflict. Checks run in
// severity order and the first match wins.
func (r *Resolver) Detect(ec *config.EntityConfig, incoming, stored types.Payload, incomingVersion, storedVersion int64) types.ConflictKind {
	if stored == nil {
		return ""
	}
	if incomingVersion > 0 && storedVersion > 0 && incomingVersion < storedVersion {
		return types.ConflictVersion
	}
	inUpdated := incoming.Time(types.FieldUpdatedAt)
	stUpdated := stored.Time(types.FieldUpdatedAt)
	if !inUpdated.IsZero() && !stUpdated.IsZero() {
		delta := inUpdated.Sub(stUpdated)
		if delta < 0 {
			delta = -delta
		}
		if delta < concurrentWindow {
			return types.ConflictConcurrentUpdate
		}
	}
	if ec != nil {
		for _, field := range ec.CriticalFields {
			iv, iok := incoming[field]
			sv, sok := stored[field]
			if iok != sok || (iok && !iv.Equal(sv)) {
				return types.ConflictDataInconsistency
			}
		}
	}
	if !incoming.SameKeys(stored) {
		return types.ConflictSchemaMismatch
	}
	return ""
}

// Open records a freshly detected conflict. snapshotA is the incoming
// payload, snapshotB the stored one.
func (r *Resolver) Open(ctx context.Context, ev *types.SyncEvent, kind types.ConflictKind, snapshotA, snapshotB types.Payload, sources []string) (*types.ConflictRecord, error) {
	ec := r.cfg.Entity(ev.EntityType)
	strategy := types.StrategyLastWriteWins
	if ec != nil && ec.Conflict.Strategy != "" {
		strategy = ec.Conflict.Strategy
	}
	rec := &types.ConflictRecord{
		ID:         uuid.NewString(),
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		EventID:    ev.ID,
		Kind:       kind,
		Strategy:   strategy,
		State:      types.ConflictDetected,
		SnapshotA:  snapshotA.Clone(),
		SnapshotB:  snapshotB.Clone(),
		DetectedAt: time.Now().UTC(),
		Sources:    sources,
	}
	if err := r.store.CreateConflict(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create conflict record: %w", err)
	}
	r.logger.Info("conflict detected",
		"conflict_id", rec.ID,
		"entity_type", rec.EntityType,
		"entity_id", rec.EntityID,
		"kind", rec.Kind,
		"strategy", rec.Strategy)
	return rec, nil
}

// Resolve applies the record's strategy and persists the outcome.
// On success the record is resolved and the winning payload returned.
// A manual strategy returns ErrManual with the record left in detected.
// Resolution is deterministic: the same snapshots and strategy always
// produce the same payload.
func (r *Resolver) Resolve(ctx context.Context, rec *types.ConflictRecord) (types.Payload, error) {
	if rec.Strategy == types.StrategyManual {
		rec.Reason = "manual resolution required"
		if err := r.store.SaveConflict(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to save conflict record: %w", err)
		}
		return nil, &ErrManual{ConflictID: rec.ID}
	}

	rec.State = types.ConflictResolving
	if err := r.store.SaveConflict(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save conflict record: %w", err)
	}

	resolved, err := r.apply(ctx, rec)
	now := time.Now().UTC()
	rec.ResolvedAt = &now
	if err != nil {
		rec.State = types.ConflictFailed
		rec.Reason = err.Error()
		if saveErr := r.store.SaveConflict(ctx, rec); saveErr != nil {
			r.logger.Error("failed to persist failed conflict", "conflict_id", rec.ID, "error", saveErr)
		}
		return nil, fmt.Errorf("resolution failed for conflict %s: %w", rec.ID, err)
	}

	rec.State = types.ConflictResolved
	rec.ResolvedPayload = resolved.Clone()
	if err := r.store.SaveConflict(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save conflict record: %w", err)
	}
	r.logger.Info("conflict resolved",
		"conflict_id", rec.ID,
		"strategy", rec.Strategy,
		"kind", rec.Kind)
	return resolved, nil
}

func (r *Resolver) apply(ctx context.Context, rec *types.ConflictRecord) (types.Payload, error) {
	switch rec.Strategy {
	case types.StrategyLastWriteWins:
		return lastWriteWins(rec.SnapshotA, rec.SnapshotB), nil
	case types.StrategyFirstWriteWins:
		return firstWriteWins(rec.SnapshotA, rec.SnapshotB), nil
	case types.StrategyMerge:
		ec := r.cfg.Entity(rec.EntityType)
		var mergeFields, ignoreFields []string
		if ec != nil {
			mergeFields = ec.Conflict.MergeFields
			ignoreFields = ec.Conflict.IgnoreFields
		}
		return merge(rec.SnapshotA, rec.SnapshotB, mergeFields, ignoreFields), nil
	case types.StrategyCustom:
		return r.applyCustom(ctx, rec)
	default:
		return nil, fmt.Errorf("unknown strategy %q", rec.Strategy)
	}
}

func (r *Resolver) applyCustom(ctx context.Context, rec *types.ConflictRecord) (types.Payload, error) {
	name := rec.EntityType
	if ec := r.cfg.Entity(rec.EntityType); ec != nil && ec.Conflict.CustomResolver != "" {
		name = ec.Conflict.CustomResolver
	}
	r.mu.RLock()
	fn := r.custom[name]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("no custom resolver registered under %q", name)
	}
	resolved, err := fn(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("custom resolver %q: %w", name, err)
	}
	return resolved, nil
}

// lastWriteWins picks the snapshot with the greater updated_at,
// falling back to created_at, then to snapshot A.
func lastWriteWins(a, b types.Payload) types.Payload {
	au, bu := a.Time(types.FieldUpdatedAt), b.Time(types.FieldUpdatedAt)
	if !au.Equal(bu) {
		if bu.After(au) {
			return b.Clone()
		}
		return a.Clone()
	}
	ac, bc := a.Time(types.FieldCreatedAt), b.Time(types.FieldCreatedAt)
	if bc.After(ac) {
		return b.Clone()
	}
	return a.Clone()
}

// firstWriteWins picks the snapshot with the smaller created_at,
// falling back to snapshot A.
func firstWriteWins(a, b types.Payload) types.Payload {
	ac, bc := a.Time(types.FieldCreatedAt), b.Time(types.FieldCreatedAt)
	if !bc.IsZero() && (ac.IsZero() || bc.Before(ac)) {
		return b.Clone()
	}
	return a.Clone()
}

// merge starts from A and folds in B field by field: ignored fields are
// skipped, merge-listed or A-absent fields take B's value, and other
// disagreements go to whichever snapshot was updated later.
func merge(a, b types.Payload, mergeFields, ignoreFields []string) types.Payload {
	ignored := map[string]struct{}{}
	for _, f := range ignoreFields {
		ignored[f] = struct{}{}
	}
	merged := map[string]struct{}{}
	for _, f := range mergeFields {
		merged[f] = struct{}{}
	}

	bNewer := b.Time(types.FieldUpdatedAt).After(a.Time(types.FieldUpdatedAt))

	out := a.Clone()
	for field, bv := range b {
		if _, skip := ignored[field]; skip {
			continue
		}
		av, inA := out[field]
		if _, take := merged[field]; take || !inA {
			out[field] = bv
			continue
		}
		if !av.Equal(bv) && bNewer {
			out[field] = bv
		}
	}
	return out.Clone()
}
