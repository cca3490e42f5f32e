package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

const eventColumns = `id, entity_type, entity_id, kind, source, region, payload,
	prev_snapshot, version, submitted_at, status, attempt_count, max_attempts,
	last_error, metadata`

// AppendEvent appends a new event to the log, assigning its version inside
// the same transaction as the insert. The version is strictly monotonic per
// (entity_type, entity_id): wallclock_ms * VersionBase, bumped past the
// greatest version already recorded for the key.
func (s *Store) AppendEvent(ctx context.Context, ev *types.SyncEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("invalid event: %w", err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = time.Now().UTC()
	}
	if ev.Status == "" {
		ev.Status = types.StatusPending
	}

	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	prev, err := marshalNullablePayload(ev.PrevSnapshot)
	if err != nil {
		return "", fmt.Errorf("failed to marshal previous snapshot: %w", err)
	}
	metadata, err := json.Marshal(orEmptyMap(ev.Metadata))
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = s.runInTx(ctx, func(tx *sql.Tx) error {
		var prevVersion int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM events WHERE entity_type = ? AND entity_id = ?`,
			ev.EntityType, ev.EntityID).Scan(&prevVersion)
		if err != nil {
			return fmt.Errorf("failed to read current version: %w", err)
		}

		version := ev.SubmittedAt.UnixMilli() * types.VersionBase
		if version <= prevVersion {
			version = prevVersion + 1
		}
		ev.Version = version

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (id, entity_type, entity_id, kind, kind_priority,
				source, region, payload, prev_snapshot, version, submitted_at,
				status, attempt_count, max_attempts, last_error, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?)`,
			ev.ID, ev.EntityType, ev.EntityID, string(ev.Kind), ev.Kind.Priority(),
			ev.Source, ev.Region, payload, prev, ev.Version, ev.SubmittedAt,
			string(ev.Status), ev.MaxAttempts, string(metadata))
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// GetEvent fetches a single event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*types.SyncEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// ListPending returns pending events in dequeue order: kind priority first
// (deletes before creates before updates), then submit time ascending.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*types.SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status IN ('pending', 'retrying')
		ORDER BY kind_priority ASC, submitted_at ASC, rowid ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListSince returns events for an entity type and source region with
// version greater than minVersion, ascending by version. This powers
// replication catch-up.
func (s *Store) ListSince(ctx context.Context, entityType, sourceRegion string, minVersion int64, limit int) ([]*types.SyncEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE entity_type = ? AND region = ? AND version > ? AND status = 'completed'
		ORDER BY version ASC
		LIMIT ?`, entityType, sourceRegion, minVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events since version %d: %w", minVersion, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns events matching the filter, newest first.
func (s *Store) ListEvents(ctx context.Context, filter types.EventFilter) ([]*types.SyncEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.SourceRegion != "" {
		query += ` AND region = ?`
		args = append(args, filter.SourceRegion)
	}
	if filter.MinVersion > 0 {
		query += ` AND version > ?`
		args = append(args, filter.MinVersion)
	}
	if filter.Since != nil {
		query += ` AND submitted_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY submitted_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ClaimNextPending atomically claims the next eligible event, moving it to
// processing and incrementing its attempt count. At most one event per
// (entity_type, entity_id) may be processing at a time; later events for a
// busy key are skipped until the in-flight one reaches a terminal or
// retrying state.
func (s *Store) ClaimNextPending(ctx context.Context, now time.Time) (*types.SyncEvent, error) {
	var ev *types.SyncEvent
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+eventColumns+` FROM events e
			WHERE (e.status = 'pending'
			       OR (e.status = 'retrying' AND e.next_attempt_at IS NOT NULL AND e.next_attempt_at <= ?))
			AND NOT EXISTS (
				SELECT 1 FROM events p
				WHERE p.entity_type = e.entity_type
				  AND p.entity_id = e.entity_id
				  AND p.status = 'processing'
			)
			ORDER BY e.kind_priority ASC, e.submitted_at ASC, e.rowid ASC
			LIMIT 1`, now.UTC())
		claimed, err := scanEvent(row)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ErrNoPendingEvents
			}
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE events
			SET status = 'processing', attempt_count = attempt_count + 1, next_attempt_at = NULL
			WHERE id = ? AND status IN ('pending', 'retrying')`, claimed.ID)
		if err != nil {
			return fmt.Errorf("failed to claim event %s: %w", claimed.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check claim of event %s: %w", claimed.ID, err)
		}
		if n == 0 {
			return storage.ErrNoPendingEvents
		}
		claimed.Status = types.StatusProcessing
		claimed.AttemptCount++
		ev = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// UpdateEventStatus moves an event through its state machine, rejecting
// transitions the machine does not permit.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status types.EventStatus, lastErr string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM events WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read event status: %w", err)
		}
		if !types.EventStatus(current).CanTransition(status) {
			return fmt.Errorf("event %s: %s -> %s: %w", id, current, status, storage.ErrInvalidTransition)
		}
		if lastErr != "" {
			_, err = tx.ExecContext(ctx,
				`UPDATE events SET status = ?, last_error = ? WHERE id = ?`,
				string(status), lastErr, id)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE events SET status = ? WHERE id = ?`, string(status), id)
		}
		if err != nil {
			return fmt.Errorf("failed to update event status: %w", err)
		}
		return nil
	})
}

// MarkRetry transitions a processing event to retrying, recording when the
// next attempt becomes due.
func (s *Store) MarkRetry(ctx context.Context, id string, lastErr string, nextAttempt time.Time) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM events WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read event status: %w", err)
		}
		if !types.EventStatus(current).CanTransition(types.StatusRetrying) {
			return fmt.Errorf("event %s: %s -> retrying: %w", id, current, storage.ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE events SET status = 'retrying', last_error = ?, next_attempt_at = ?
			WHERE id = ?`, lastErr, nextAttempt.UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to mark event for retry: %w", err)
		}
		return nil
	})
}

// SetEventPayload overwrites the event payload. Used when conflict
// resolution produces an effective payload for downstream fanout.
func (s *Store) SetEventPayload(ctx context.Context, id string, payload types.Payload) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE events SET payload = ? WHERE id = ?`, data, id)
	if err != nil {
		return fmt.Errorf("failed to set event payload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check payload update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// CountByStatus aggregates event counts by status over the trailing window.
// A zero window counts everything.
func (s *Store) CountByStatus(ctx context.Context, window time.Duration) (types.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM events`
	var args []any
	if window > 0 {
		query += ` WHERE submitted_at >= ?`
		args = append(args, time.Now().UTC().Add(-window))
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return types.StatusCounts{}, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	var counts types.StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return types.StatusCounts{}, fmt.Errorf("failed to scan count: %w", err)
		}
		switch types.EventStatus(status) {
		case types.StatusPending:
			counts.Pending = n
		case types.StatusProcessing:
			counts.Processing = n
		case types.StatusCompleted:
			counts.Completed = n
		case types.StatusFailed:
			counts.Failed = n
		case types.StatusRetrying:
			counts.Retrying = n
		}
	}
	return counts, rows.Err()
}

// PendingCount returns the number of events awaiting processing
// (pending + retrying). This drives the bulk-submit high-watermark.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE status IN ('pending', 'retrying')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*types.SyncEvent, error) {
	var ev types.SyncEvent
	var kind, status, payload, metadata string
	var prev sql.NullString
	err := row.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &kind, &ev.Source,
		&ev.Region, &payload, &prev, &ev.Version, &ev.SubmittedAt, &status,
		&ev.AttemptCount, &ev.MaxAttempts, &ev.LastError, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Kind = types.EventKind(kind)
	ev.Status = types.EventStatus(status)
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for %s: %w", ev.ID, err)
	}
	if prev.Valid && prev.String != "" {
		if err := json.Unmarshal([]byte(prev.String), &ev.PrevSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal previous snapshot for %s: %w", ev.ID, err)
		}
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*types.SyncEvent, error) {
	var events []*types.SyncEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func marshalPayload(p types.Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalNullablePayload(p types.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
