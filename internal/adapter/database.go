package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/weftlabs/weft/internal/types"
)

const databaseSchema = `
CREATE TABLE IF NOT EXISTS records (
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (entity_type, entity_id)
);
`

// Database is an adapter writing entity records to its own SQLite
// database, one row per entity keyed by (entity_type, entity_id).
type Database struct {
	name string
	db   *sql.DB
}

// NewDatabase opens (or creates) the adapter's database at path. Use
// ":memory:" for tests.
func NewDatabase(ctx context.Context, name, path string) (*Database, error) {
	var connStr string
	switch {
	case path == ":memory:":
		connStr = "file:" + name + "mem?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	case strings.HasPrefix(path, "file:"):
		connStr = path
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" || strings.Contains(connStr, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.ExecContext(ctx, databaseSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Database{name: name, db: db}, nil
}

func (d *Database) Name() string { return d.name }
func (d *Database) Kind() string { return KindDatabase }

func (d *Database) Apply(ctx context.Context, kind types.EventKind, entityType, entityID string, payload types.Payload) error {
	if kind == types.KindDelete {
		_, err := d.db.ExecContext(ctx,
			`DELETE FROM records WHERE entity_type = ? AND entity_id = ?`,
			entityType, entityID)
		if err != nil {
			return NewTransient(d.name, fmt.Errorf("failed to delete record: %w", err))
		}
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return NewPermanent(d.name, fmt.Errorf("failed to marshal payload: %w", err))
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO records (entity_type, entity_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		entityType, entityID, string(data), time.Now().UTC())
	if err != nil {
		return NewTransient(d.name, fmt.Errorf("failed to upsert record: %w", err))
	}
	return nil
}

func (d *Database) Read(ctx context.Context, entityType, entityID string) (types.Payload, error) {
	var data string
	err := d.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, NewTransient(d.name, fmt.Errorf("failed to read record: %w", err))
	}
	var payload types.Payload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, NewPermanent(d.name, fmt.Errorf("failed to unmarshal record: %w", err))
	}
	return payload, nil
}

func (d *Database) ListIDs(ctx context.Context, entityType string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT entity_id FROM records WHERE entity_type = ? ORDER BY entity_id`,
		entityType)
	if err != nil {
		return nil, NewTransient(d.name, fmt.Errorf("failed to list records: %w", err))
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the adapter's database handle.
func (d *Database) Close() error { return d.db.Close() }
