package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

const cursorColumns = `id, entity_type, source_region, target_region, state,
	last_replicated_version, last_replicated_at, pending_count, failed_count,
	lag_seconds, max_lag_seconds, last_error, created_at`

// SaveCursor upserts a replication cursor keyed on the unique
// (entity_type, source_region, target_region) triple. A save that would
// decrease last_replicated_version is rejected with ErrCursorRegressed.
func (s *Store) SaveCursor(ctx context.Context, cur *types.ReplicationCursor) error {
	if cur.ID == "" {
		cur.ID = uuid.NewString()
	}
	if cur.State == "" {
		cur.State = types.CursorActive
	}
	if cur.CreatedAt.IsZero() {
		cur.CreatedAt = time.Now().UTC()
	}

	return s.runInTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		var existingVersion int64
		err := tx.QueryRowContext(ctx, `
			SELECT id, last_replicated_version FROM cursors
			WHERE entity_type = ? AND source_region = ? AND target_region = ?`,
			cur.EntityType, cur.SourceRegion, cur.TargetRegion).
			Scan(&existingID, &existingVersion)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO cursors (id, entity_type, source_region, target_region,
					state, last_replicated_version, last_replicated_at, pending_count,
					failed_count, lag_seconds, max_lag_seconds, last_error, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				cur.ID, cur.EntityType, cur.SourceRegion, cur.TargetRegion,
				string(cur.State), cur.LastReplicatedVersion,
				nullableTime(cur.LastReplicatedAt), cur.PendingCount,
				cur.FailedCount, cur.LagSeconds, cur.MaxLagSeconds,
				cur.LastError, cur.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert cursor: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to read cursor: %w", err)
		}

		if cur.LastReplicatedVersion < existingVersion {
			return fmt.Errorf("cursor %s: %d < %d: %w",
				cur.Key(), cur.LastReplicatedVersion, existingVersion, storage.ErrCursorRegressed)
		}
		cur.ID = existingID
		_, err = tx.ExecContext(ctx, `
			UPDATE cursors
			SET state = ?, last_replicated_version = ?, last_replicated_at = ?,
			    pending_count = ?, failed_count = ?, lag_seconds = ?,
			    max_lag_seconds = ?, last_error = ?
			WHERE id = ?`,
			string(cur.State), cur.LastReplicatedVersion,
			nullableTime(cur.LastReplicatedAt), cur.PendingCount,
			cur.FailedCount, cur.LagSeconds, cur.MaxLagSeconds,
			cur.LastError, existingID)
		if err != nil {
			return fmt.Errorf("failed to update cursor: %w", err)
		}
		return nil
	})
}

// GetCursor fetches the cursor for a (entity_type, source, target) triple.
func (s *Store) GetCursor(ctx context.Context, entityType, sourceRegion, targetRegion string) (*types.ReplicationCursor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cursorColumns+` FROM cursors
		WHERE entity_type = ? AND source_region = ? AND target_region = ?`,
		entityType, sourceRegion, targetRegion)
	return scanCursor(row)
}

// ListCursors returns cursors, optionally narrowed to one entity type.
func (s *Store) ListCursors(ctx context.Context, entityType string) ([]*types.ReplicationCursor, error) {
	query := `SELECT ` + cursorColumns + ` FROM cursors`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY entity_type, source_region, target_region`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	var cursors []*types.ReplicationCursor
	for rows.Next() {
		cur, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, cur)
	}
	return cursors, rows.Err()
}

func scanCursor(row scanner) (*types.ReplicationCursor, error) {
	var cur types.ReplicationCursor
	var state string
	var lastAt sql.NullTime
	err := row.Scan(&cur.ID, &cur.EntityType, &cur.SourceRegion,
		&cur.TargetRegion, &state, &cur.LastReplicatedVersion, &lastAt,
		&cur.PendingCount, &cur.FailedCount, &cur.LagSeconds,
		&cur.MaxLagSeconds, &cur.LastError, &cur.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cursor: %w", err)
	}
	cur.State = types.CursorState(state)
	if lastAt.Valid {
		t := lastAt.Time
		cur.LastReplicatedAt = &t
	}
	return &cur, nil
}
