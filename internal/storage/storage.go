// Package storage provides shared types for the weft persisted stores.
//
// The concrete implementations live in the sqlite and memory sub-packages.
// This package holds the interface and sentinel errors referenced by both
// the implementations and their consumers (engine, replicator, auditor).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update violates the
// event state machine (pending → processing → completed/failed/retrying;
// retrying → processing).
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNoPendingEvents is returned by ClaimNextPending when no event is
// currently eligible for processing.
var ErrNoPendingEvents = errors.New("no pending events")

// ErrCursorRegressed is returned when a cursor save would decrease
// last_replicated_version.
var ErrCursorRegressed = errors.New("replication cursor version would regress")

// Store is the interface satisfied by *sqlite.Store and *memory.Store.
// It persists the four record families: sync events, conflict records,
// replication cursors, and integrity checks.
type Store interface {
	// Events. AppendEvent assigns the event's version inside the same
	// transaction as the insert: version = wallclock_ms*1000 + seq, where
	// seq is one past the greatest sequence seen for (entity_type, entity_id).
	AppendEvent(ctx context.Context, ev *types.SyncEvent) (string, error)
	GetEvent(ctx context.Context, id string) (*types.SyncEvent, error)
	ListPending(ctx context.Context, limit int) ([]*types.SyncEvent, error)
	ListSince(ctx context.Context, entityType, sourceRegion string, minVersion int64, limit int) ([]*types.SyncEvent, error)
	ListEvents(ctx context.Context, filter types.EventFilter) ([]*types.SyncEvent, error)

	// ClaimNextPending atomically selects the highest-priority eligible
	// event and transitions it to processing, incrementing attempt_count.
	// An event is eligible when its status is pending, or retrying with
	// next_attempt_at due, and no other event for the same
	// (entity_type, entity_id) is processing. Returns ErrNoPendingEvents
	// when nothing is eligible.
	ClaimNextPending(ctx context.Context, now time.Time) (*types.SyncEvent, error)

	// UpdateEventStatus moves an event through its state machine. A
	// non-empty lastErr replaces the event's last_error.
	UpdateEventStatus(ctx context.Context, id string, status types.EventStatus, lastErr string) error

	// MarkRetry transitions a processing event to retrying with the given
	// next attempt time.
	MarkRetry(ctx context.Context, id string, lastErr string, nextAttempt time.Time) error

	// SetEventPayload overwrites the event payload (resolved-payload
	// propagation after conflict resolution).
	SetEventPayload(ctx context.Context, id string, payload types.Payload) error

	CountByStatus(ctx context.Context, window time.Duration) (types.StatusCounts, error)
	PendingCount(ctx context.Context) (int, error)

	// Conflict records.
	CreateConflict(ctx context.Context, rec *types.ConflictRecord) error
	SaveConflict(ctx context.Context, rec *types.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error)
	GetConflictByEvent(ctx context.Context, eventID string) (*types.ConflictRecord, error)
	ListConflicts(ctx context.Context, entityType string, state types.ConflictState, limit int) ([]*types.ConflictRecord, error)
	ConflictCount(ctx context.Context, window time.Duration) (int, error)

	// Replication cursors. SaveCursor upserts on the unique
	// (entity_type, source, target) triple and rejects regressions of
	// last_replicated_version with ErrCursorRegressed.
	SaveCursor(ctx context.Context, cur *types.ReplicationCursor) error
	GetCursor(ctx context.Context, entityType, sourceRegion, targetRegion string) (*types.ReplicationCursor, error)
	ListCursors(ctx context.Context, entityType string) ([]*types.ReplicationCursor, error)

	// Scheduled cache invalidations. Enqueued keys survive a crash between
	// scheduling and the sweep that executes them.
	EnqueueInvalidation(ctx context.Context, key string) error
	DequeueInvalidations(ctx context.Context, limit int) ([]string, error)

	// Integrity checks.
	CreateCheck(ctx context.Context, check *types.IntegrityCheck) error
	SaveCheck(ctx context.Context, check *types.IntegrityCheck) error
	ListChecks(ctx context.Context, entityType string, kind types.CheckKind, limit int) ([]*types.IntegrityCheck, error)

	// Lifecycle
	Close() error
}
