package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// bulkBatchSize is how many entity IDs one bulk-sync batch submits.
const bulkBatchSize = 100

// ErrSaturated is returned to bulk submitters while the pending count
// is at or above the high watermark. Single submissions still succeed.
var ErrSaturated = errors.New("engine saturated: pending events at high watermark")

// BulkResult reports the per-id outcome of a bulk sync.
type BulkResult struct {
	Successful []string          `json:"successful"`
	Failed     []string          `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// SubmitEvent appends a new sync event and returns its ID. Acceptance
// is not completion: the terminal status is observed through the event
// store.
func (e *Engine) SubmitEvent(ctx context.Context, entityType, entityID string, kind types.EventKind, payload types.Payload, source, region string) (string, error) {
	ev := &types.SyncEvent{
		ID:          uuid.NewString(),
		EntityType:  entityType,
		EntityID:    entityID,
		Kind:        kind,
		Source:      source,
		Region:      region,
		Payload:     payload,
		SubmittedAt: e.now().UTC(),
		Status:      types.StatusPending,
		MaxAttempts: e.cfg.MaxAttemptsPerEvent,
	}
	id, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}
	pending, err := e.store.PendingCount(ctx)
	if err == nil {
		e.metrics.PendingEvents.Record(ctx, int64(pending))
	}
	return id, nil
}

// SyncEntity reads the entity's current snapshot from its first
// readable adapter and submits an update event carrying it, forcing a
// re-fanout to every target.
func (e *Engine) SyncEntity(ctx context.Context, entityType, entityID, sourceRegion string) (string, error) {
	ec := e.cfg.Entity(entityType)
	if ec == nil {
		return "", fmt.Errorf("no configuration for entity type %q", entityType)
	}
	ev := &types.SyncEvent{EntityType: entityType, EntityID: entityID}
	snapshot, source, err := e.readStored(ctx, ev, ec)
	if err != nil {
		return "", fmt.Errorf("failed to read entity snapshot: %w", err)
	}
	if snapshot == nil {
		return "", fmt.Errorf("entity %s/%s not found in any adapter", entityType, entityID)
	}
	return e.SubmitEvent(ctx, entityType, entityID, types.KindUpdate, snapshot, source, sourceRegion)
}

// BulkSync submits one sync event per ID in batches, collecting per-id
// outcomes. It refuses outright with ErrSaturated when the pending
// count is at the high watermark.
func (e *Engine) BulkSync(ctx context.Context, entityType string, ids []string, sourceRegion string) (*BulkResult, error) {
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending count: %w", err)
	}
	if pending >= e.cfg.PendingHighWatermark {
		return nil, ErrSaturated
	}

	result := &BulkResult{Errors: map[string]string{}}
	var mu sync.Mutex

	for start := 0; start < len(ids); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Workers)
		for _, id := range ids[start:end] {
			id := id
			g.Go(func() error {
				_, err := e.SyncEntity(gctx, entityType, id, sourceRegion)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed = append(result.Failed, id)
					result.Errors[id] = err.Error()
				} else {
					result.Successful = append(result.Successful, id)
				}
				return nil // per-id failures are collected, not fatal
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// RetryEvent resubmits a failed event as a fresh one with the same
// entity, kind and payload. The log is append-only, so a terminal event
// is never revived in place; the new event's metadata records its
// origin.
func (e *Engine) RetryEvent(ctx context.Context, id string) (string, error) {
	ev, err := e.store.GetEvent(ctx, id)
	if err != nil {
		return "", err
	}
	if ev.Status != types.StatusFailed {
		return "", fmt.Errorf("event %s is %s, only failed events can be retried", id, ev.Status)
	}
	retry := &types.SyncEvent{
		ID:          uuid.NewString(),
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		Kind:        ev.Kind,
		Source:      ev.Source,
		Region:      ev.Region,
		Payload:     ev.Payload,
		SubmittedAt: e.now().UTC(),
		Status:      types.StatusPending,
		MaxAttempts: e.cfg.MaxAttemptsPerEvent,
		Metadata:    map[string]string{"retry_of": ev.ID},
	}
	newID, err := e.store.AppendEvent(ctx, retry)
	if err != nil {
		return "", fmt.Errorf("failed to append retry event: %w", err)
	}
	e.logger.Info("event resubmitted", "event_id", newID, "retry_of", ev.ID)
	return newID, nil
}

// ListPending returns up to limit events awaiting processing in
// dequeue order.
func (e *Engine) ListPending(ctx context.Context, limit int) ([]*types.SyncEvent, error) {
	return e.store.ListPending(ctx, limit)
}

// DrainOnce claims and processes eligible events until the store runs
// dry, returning how many were processed. Tests and one-shot CLI
// commands use it instead of the worker pool.
func (e *Engine) DrainOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		ev, err := e.store.ClaimNextPending(ctx, e.now())
		if errors.Is(err, storage.ErrNoPendingEvents) {
			return processed, nil
		}
		if err != nil {
			return processed, err
		}
		e.ProcessEvent(ctx, ev)
		processed++
	}
}
