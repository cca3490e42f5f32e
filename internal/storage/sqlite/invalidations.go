package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// EnqueueInvalidation durably records a cache key awaiting scheduled
// invalidation. Enqueueing the same key twice is a no-op.
func (s *Store) EnqueueInvalidation(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_invalidations (key) VALUES (?)`, key)
	if err != nil {
		return fmt.Errorf("failed to enqueue invalidation: %w", err)
	}
	return nil
}

// DequeueInvalidations removes and returns up to limit pending invalidation
// keys in enqueue order.
func (s *Store) DequeueInvalidations(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var keys []string
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT key FROM pending_invalidations
			ORDER BY enqueued_at ASC, rowid ASC
			LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("failed to query pending invalidations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return fmt.Errorf("failed to scan invalidation key: %w", err)
			}
			keys = append(keys, key)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM pending_invalidations WHERE key = ?`, key); err != nil {
				return fmt.Errorf("failed to dequeue invalidation %q: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
