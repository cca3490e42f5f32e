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

const conflictColumns = `id, entity_type, entity_id, event_id, kind, strategy,
	state, snapshot_a, snapshot_b, resolved_payload, reason, detected_at,
	resolved_at, sources`

// CreateConflict persists a newly detected conflict record.
func (s *Store) CreateConflict(ctx context.Context, rec *types.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.State == "" {
		rec.State = types.ConflictDetected
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	snapA, err := marshalPayload(rec.SnapshotA)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot A: %w", err)
	}
	snapB, err := marshalPayload(rec.SnapshotB)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot B: %w", err)
	}
	resolved, err := marshalNullablePayload(rec.ResolvedPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal resolved payload: %w", err)
	}
	sources, err := json.Marshal(orEmptySlice(rec.Sources))
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, entity_type, entity_id, event_id, kind,
			strategy, state, snapshot_a, snapshot_b, resolved_payload, reason,
			detected_at, resolved_at, sources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.EventID, string(rec.Kind),
		string(rec.Strategy), string(rec.State), snapA, snapB, resolved,
		rec.Reason, rec.DetectedAt, nullableTime(rec.ResolvedAt), string(sources))
	if err != nil {
		return fmt.Errorf("failed to insert conflict record: %w", err)
	}
	return nil
}

// SaveConflict updates a conflict record's mutable fields (state, resolved
// payload, reason, resolved-at).
func (s *Store) SaveConflict(ctx context.Context, rec *types.ConflictRecord) error {
	resolved, err := marshalNullablePayload(rec.ResolvedPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal resolved payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET state = ?, resolved_payload = ?, reason = ?, resolved_at = ?
		WHERE id = ?`,
		string(rec.State), resolved, rec.Reason, nullableTime(rec.ResolvedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update conflict record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check conflict update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", rec.ID, storage.ErrNotFound)
	}
	return nil
}

// GetConflict fetches a single conflict record by ID.
func (s *Store) GetConflict(ctx context.Context, id string) (*types.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

// GetConflictByEvent fetches the most recent conflict record tied to an event.
func (s *Store) GetConflictByEvent(ctx context.Context, eventID string) (*types.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE event_id = ?
		ORDER BY detected_at DESC
		LIMIT 1`, eventID)
	return scanConflict(row)
}

// ListConflicts returns conflicts for an entity type, optionally narrowed
// by state, newest first.
func (s *Store) ListConflicts(ctx context.Context, entityType string, state types.ConflictState, limit int) ([]*types.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1=1`
	var args []any
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var recs []*types.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ConflictCount returns the number of conflicts detected in the trailing
// window. A zero window counts everything.
func (s *Store) ConflictCount(ctx context.Context, window time.Duration) (int, error) {
	query := `SELECT COUNT(*) FROM conflicts`
	var args []any
	if window > 0 {
		query += ` WHERE detected_at >= ?`
		args = append(args, time.Now().UTC().Add(-window))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

func scanConflict(row scanner) (*types.ConflictRecord, error) {
	var rec types.ConflictRecord
	var kind, strategy, state, snapA, snapB, sources string
	var resolved sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.EventID,
		&kind, &strategy, &state, &snapA, &snapB, &resolved, &rec.Reason,
		&rec.DetectedAt, &resolvedAt, &sources)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict record: %w", err)
	}
	rec.Kind = types.ConflictKind(kind)
	rec.Strategy = types.ResolutionStrategy(strategy)
	rec.State = types.ConflictState(state)
	if err := json.Unmarshal([]byte(snapA), &rec.SnapshotA); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot A for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(snapB), &rec.SnapshotB); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot B for %s: %w", rec.ID, err)
	}
	if resolved.Valid && resolved.String != "" {
		if err := json.Unmarshal([]byte(resolved.String), &rec.ResolvedPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resolved payload for %s: %w", rec.ID, err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources for %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
