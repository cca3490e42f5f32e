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

const checkColumns = `id, entity_type, kind, sources, status, records_checked,
	inconsistencies, findings, started_at, finished_at, duration_ms`

// CreateCheck persists a newly started integrity check.
func (s *Store) CreateCheck(ctx context.Context, check *types.IntegrityCheck) error {
	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	if check.Status == "" {
		check.Status = types.CheckRunning
	}
	if check.StartedAt.IsZero() {
		check.StartedAt = time.Now().UTC()
	}
	sources, err := json.Marshal(orEmptySlice(check.Sources))
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	findings, err := marshalFindings(check.Findings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checks (id, entity_type, kind, sources, status,
			records_checked, inconsistencies, findings, started_at,
			finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		check.ID, check.EntityType, string(check.Kind), string(sources),
		string(check.Status), check.RecordsChecked, check.Inconsistencies,
		findings, check.StartedAt, nullableTime(check.FinishedAt), check.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to insert integrity check: %w", err)
	}
	return nil
}

// SaveCheck updates a check's result fields after the run finishes.
func (s *Store) SaveCheck(ctx context.Context, check *types.IntegrityCheck) error {
	findings, err := marshalFindings(check.Findings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE checks
		SET status = ?, records_checked = ?, inconsistencies = ?, findings = ?,
		    finished_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(check.Status), check.RecordsChecked, check.Inconsistencies,
		findings, nullableTime(check.FinishedAt), check.DurationMS, check.ID)
	if err != nil {
		return fmt.Errorf("failed to update integrity check: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check integrity update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("check %s: %w", check.ID, storage.ErrNotFound)
	}
	return nil
}

// ListChecks returns integrity checks, newest first, optionally narrowed by
// entity type and kind.
func (s *Store) ListChecks(ctx context.Context, entityType string, kind types.CheckKind, limit int) ([]*types.IntegrityCheck, error) {
	query := `SELECT ` + checkColumns + ` FROM checks WHERE 1=1`
	var args []any
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrity checks: %w", err)
	}
	defer rows.Close()

	var checks []*types.IntegrityCheck
	for rows.Next() {
		check, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		checks = append(checks, check)
	}
	return checks, rows.Err()
}

func scanCheck(row scanner) (*types.IntegrityCheck, error) {
	var check types.IntegrityCheck
	var kind, status, sources, findings string
	var finishedAt sql.NullTime
	err := row.Scan(&check.ID, &check.EntityType, &kind, &sources, &status,
		&check.RecordsChecked, &check.Inconsistencies, &findings,
		&check.StartedAt, &finishedAt, &check.DurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan integrity check: %w", err)
	}
	check.Kind = types.CheckKind(kind)
	check.Status = types.CheckStatus(status)
	if err := json.Unmarshal([]byte(sources), &check.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources for %s: %w", check.ID, err)
	}
	if err := json.Unmarshal([]byte(findings), &check.Findings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal findings for %s: %w", check.ID, err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		check.FinishedAt = &t
	}
	return &check, nil
}

func marshalFindings(findings []types.Finding) (string, error) {
	if findings == nil {
		findings = []types.Finding{}
	}
	data, err := json.Marshal(findings)
	if err != nil {
		return "", fmt.Errorf("failed to marshal findings: %w", err)
	}
	return string(data), nil
}
