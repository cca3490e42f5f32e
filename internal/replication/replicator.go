package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

const (
	// lagMonitorInterval is how often active cursors have their lag
	// recomputed.
	lagMonitorInterval = 5 * time.Minute

	// sweepInterval is how often the catch-up sweeper looks for
	// lagging cursors.
	sweepInterval = time.Hour

	// sweepLagThreshold is the lag beyond which the sweeper triggers
	// catch-up on its own.
	sweepLagThreshold = 60 * time.Second
)

// ErrPaused is returned when replication is requested on a paused
// cursor.
var ErrPaused = errors.New("replication paused")

// Replicator is the exclusive writer of replication cursors. It fans
// completed events out to the entity's configured target regions and
// catches lagging cursors up from the event store.
type Replicator struct {
	cfg       *config.Config
	store     storage.Store
	transport Transport
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // cursor key -> in-flight cancel
}

// New creates a replicator sending through transport.
func New(cfg *config.Config, store storage.Store, transport Transport, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    logger,
		now:       time.Now,
		cancels:   map[string]context.CancelFunc{},
	}
}

// ReplicateEvent fans one completed event out to every target region in
// the entity's replication config other than the event's origin. Send
// failures mark the cursor error and are returned joined; they never
// fail the originating event.
func (r *Replicator) ReplicateEvent(ctx context.Context, ev *types.SyncEvent) error {
	ec := r.cfg.Entity(ev.EntityType)
	if ec == nil || !ec.Replication.Enabled {
		return nil
	}
	var errs []error
	for _, target := range ec.Replication.Regions {
		if target == ev.Region {
			continue
		}
		if err := r.replicateOne(ctx, ev, target); err != nil && !errors.Is(err, ErrPaused) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Replicator) replicateOne(ctx context.Context, ev *types.SyncEvent, target string) error {
	cur, err := r.ensureCursor(ctx, ev.EntityType, ev.Region, target)
	if err != nil {
		return err
	}
	if cur.State == types.CursorPaused {
		cur.PendingCount++
		if err := r.store.SaveCursor(ctx, cur); err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}
		return ErrPaused
	}

	sendCtx, done := r.trackInFlight(ctx, cur.Key())
	defer done()

	err = r.transport.Send(sendCtx, types.ReplicationMessage{
		EventID:      ev.ID,
		EntityType:   ev.EntityType,
		EntityID:     ev.EntityID,
		Kind:         ev.Kind,
		Payload:      ev.Payload,
		Version:      ev.Version,
		OriginTime:   ev.SubmittedAt,
		SourceRegion: ev.Region,
		TargetRegion: target,
	})
	if err != nil {
		r.markFailed(ctx, cur, err)
		return fmt.Errorf("replication to %s failed: %w", target, err)
	}
	return r.advance(ctx, cur, ev.Version)
}

// markFailed records a send failure on the cursor. The cursor is
// re-read first: a pause persisted while the send was in flight must
// survive, so only an unpaused cursor moves to the error state.
func (r *Replicator) markFailed(ctx context.Context, cur *types.ReplicationCursor, sendErr error) {
	if fresh, err := r.store.GetCursor(ctx, cur.EntityType, cur.SourceRegion, cur.TargetRegion); err == nil {
		*cur = *fresh
	}
	cur.FailedCount++
	if cur.State != types.CursorPaused {
		cur.State = types.CursorError
	}
	cur.LastError = sendErr.Error()
	if saveErr := r.store.SaveCursor(ctx, cur); saveErr != nil {
		r.logger.Error("failed to persist cursor error", "cursor", cur.Key(), "error", saveErr)
	}
}

// advance moves the cursor past version after an acknowledged send.
func (r *Replicator) advance(ctx context.Context, cur *types.ReplicationCursor, version int64) error {
	now := r.now().UTC()
	cur.LastReplicatedVersion = version
	cur.LastReplicatedAt = &now
	cur.LagSeconds = 0
	cur.LastError = ""
	if cur.State == types.CursorError {
		cur.State = types.CursorActive
	}
	if cur.PendingCount > 0 {
		cur.PendingCount--
	}
	if err := r.store.SaveCursor(ctx, cur); err != nil {
		return fmt.Errorf("failed to advance cursor %s: %w", cur.Key(), err)
	}
	return nil
}

// CatchUp replays events newer than the cursor from the event store, in
// version order, stopping on the first failure to preserve ordering.
// Returns how many events were replicated.
func (r *Replicator) CatchUp(ctx context.Context, entityType, source, target string) (int, error) {
	cur, err := r.ensureCursor(ctx, entityType, source, target)
	if err != nil {
		return 0, err
	}
	if cur.State == types.CursorPaused {
		return 0, ErrPaused
	}
	cur.State = types.CursorSyncing
	if err := r.store.SaveCursor(ctx, cur); err != nil {
		return 0, fmt.Errorf("failed to save cursor: %w", err)
	}

	sendCtx, done := r.trackInFlight(ctx, cur.Key())
	defer done()

	batch := r.cfg.CatchupBatch
	if batch <= 0 {
		batch = config.DefaultCatchupBatch
	}

	replicated := 0
	for {
		events, err := r.store.ListSince(ctx, entityType, source, cur.LastReplicatedVersion, batch)
		if err != nil {
			return replicated, fmt.Errorf("failed to list events for catch-up: %w", err)
		}
		if len(events) == 0 {
			break
		}
		// ListSince only surfaces completed events, so everything listed
		// is sent.
		for _, ev := range events {
			err := r.transport.Send(sendCtx, types.ReplicationMessage{
				EventID:      ev.ID,
				EntityType:   ev.EntityType,
				EntityID:     ev.EntityID,
				Kind:         ev.Kind,
				Payload:      ev.Payload,
				Version:      ev.Version,
				OriginTime:   ev.SubmittedAt,
				SourceRegion: source,
				TargetRegion: target,
			})
			if err != nil {
				r.markFailed(ctx, cur, err)
				return replicated, fmt.Errorf("catch-up to %s stopped at version %d: %w", target, ev.Version, err)
			}
			if err := r.advance(ctx, cur, ev.Version); err != nil {
				return replicated, err
			}
			replicated++
		}
		if len(events) < batch {
			break
		}
	}

	// A pause that landed mid-sync wins over the terminal active save.
	if fresh, err := r.store.GetCursor(ctx, entityType, source, target); err == nil {
		*cur = *fresh
	}
	if cur.State != types.CursorPaused {
		cur.State = types.CursorActive
		if err := r.store.SaveCursor(ctx, cur); err != nil {
			return replicated, fmt.Errorf("failed to save cursor: %w", err)
		}
	}
	if replicated > 0 {
		r.logger.Info("catch-up complete",
			"cursor", cur.Key(),
			"replicated", replicated,
			"version", cur.LastReplicatedVersion)
	}
	return replicated, nil
}

// Pause halts replication for one cursor and cancels its in-flight
// sends.
func (r *Replicator) Pause(ctx context.Context, entityType, source, target string) error {
	cur, err := r.ensureCursor(ctx, entityType, source, target)
	if err != nil {
		return err
	}
	cur.State = types.CursorPaused
	if err := r.store.SaveCursor(ctx, cur); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	r.mu.Lock()
	if cancel := r.cancels[cur.Key()]; cancel != nil {
		cancel()
	}
	r.mu.Unlock()
	r.logger.Info("replication paused", "cursor", cur.Key())
	return nil
}

// Resume reactivates a cursor and immediately catches it up.
func (r *Replicator) Resume(ctx context.Context, entityType, source, target string) error {
	cur, err := r.ensureCursor(ctx, entityType, source, target)
	if err != nil {
		return err
	}
	cur.State = types.CursorActive
	if err := r.store.SaveCursor(ctx, cur); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	r.logger.Info("replication resumed", "cursor", cur.Key())
	_, err = r.CatchUp(ctx, entityType, source, target)
	return err
}

// Status returns the cursors for an entity type; empty entityType
// returns all cursors.
func (r *Replicator) Status(ctx context.Context, entityType string) ([]*types.ReplicationCursor, error) {
	return r.store.ListCursors(ctx, entityType)
}

// RunLagMonitor recomputes lag for every active cursor every five
// minutes until ctx is canceled, warning when a cursor exceeds its
// max-lag.
func (r *Replicator) RunLagMonitor(ctx context.Context) {
	ticker := time.NewTicker(lagMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.UpdateLag(ctx); err != nil {
				r.logger.Error("lag monitor pass failed", "error", err)
			}
		}
	}
}

// UpdateLag performs one lag-monitor pass over every cursor.
func (r *Replicator) UpdateLag(ctx context.Context) error {
	cursors, err := r.store.ListCursors(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list cursors: %w", err)
	}
	now := r.now()
	var errs []error
	for _, cur := range cursors {
		if cur.State != types.CursorActive || cur.LastReplicatedAt == nil {
			continue
		}
		lag := now.Sub(*cur.LastReplicatedAt).Seconds()
		maxLag := cur.MaxLagSeconds
		if maxLag <= 0 {
			maxLag = r.cfg.ReplicationMaxLagSec
		}
		if lag <= float64(maxLag) {
			continue
		}
		cur.LagSeconds = lag
		if err := r.store.SaveCursor(ctx, cur); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Warn("replication lag exceeds threshold",
			"cursor", cur.Key(),
			"lag_seconds", int64(lag),
			"max_lag_seconds", maxLag)
	}
	return errors.Join(errs...)
}

// RunCatchUpSweeper triggers catch-up hourly for cursors lagging more
// than a minute, until ctx is canceled.
func (r *Replicator) RunCatchUpSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepLagging(ctx); err != nil {
				r.logger.Error("catch-up sweep failed", "error", err)
			}
		}
	}
}

// SweepLagging performs one sweeper pass, catching up every active
// cursor whose lag exceeds the sweep threshold.
func (r *Replicator) SweepLagging(ctx context.Context) error {
	cursors, err := r.store.ListCursors(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list cursors: %w", err)
	}
	now := r.now()
	var errs []error
	for _, cur := range cursors {
		if cur.State == types.CursorPaused || cur.LastReplicatedAt == nil {
			continue
		}
		if now.Sub(*cur.LastReplicatedAt) <= sweepLagThreshold {
			continue
		}
		if _, err := r.CatchUp(ctx, cur.EntityType, cur.SourceRegion, cur.TargetRegion); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ensureCursor loads the cursor for the triple, creating it on first
// use.
func (r *Replicator) ensureCursor(ctx context.Context, entityType, source, target string) (*types.ReplicationCursor, error) {
	cur, err := r.store.GetCursor(ctx, entityType, source, target)
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	maxLag := r.cfg.ReplicationMaxLagSec
	if ec := r.cfg.Entity(entityType); ec != nil && ec.Replication.MaxLagSeconds > 0 {
		maxLag = ec.Replication.MaxLagSeconds
	}
	cur = &types.ReplicationCursor{
		ID:            uuid.NewString(),
		EntityType:    entityType,
		SourceRegion:  source,
		TargetRegion:  target,
		State:         types.CursorActive,
		MaxLagSeconds: maxLag,
		CreatedAt:     r.now().UTC(),
	}
	if err := r.store.SaveCursor(ctx, cur); err != nil {
		return nil, fmt.Errorf("failed to create cursor: %w", err)
	}
	return cur, nil
}

// trackInFlight derives a cancelable context registered under the
// cursor key so Pause can abort in-flight sends.
func (r *Replicator) trackInFlight(ctx context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[key] = cancel
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		if r.cancels[key] != nil {
			delete(r.cancels, key)
		}
		r.mu.Unlock()
		cancel()
	}
}
