package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout renders UTC timestamps at fixed width so lexical order
// matches chronological order in the updated_at column.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists watermark history in a local SQLite file with WAL
// mode. It is the default store for single-host runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates, if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create watermark db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open watermark db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping watermark db: %w", err)
	}
	if err := ensureSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureSQLiteSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS watermark_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  entity TEXT NOT NULL,
  watermark_type TEXT NOT NULL,
  watermark_value TEXT NOT NULL,
  version INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watermark_history_entity
  ON watermark_history(entity, updated_at DESC, version DESC);
`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("ensure watermark schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, entity, def string) (string, error) {
	cur, err := s.Current(ctx, entity)
	if err != nil {
		return "", err
	}
	if cur == nil {
		return def, nil
	}
	return cur.Value, nil
}

func (s *SQLiteStore) Current(ctx context.Context, entity string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT entity, watermark_type, watermark_value, version, updated_at
FROM watermark_history
WHERE entity = ?
ORDER BY updated_at DESC, version DESC
LIMIT 1`, entity)
	return scanSQLiteEntry(row)
}

func (s *SQLiteStore) Set(ctx context.Context, entity, watermarkType, value string) error {
	_, err := s.appendRow(ctx, entity, watermarkType, value, -1)
	return err
}

func (s *SQLiteStore) CheckAndSet(ctx context.Context, entity, watermarkType, value string, expectedVersion int64) (int64, error) {
	return s.appendRow(ctx, entity, watermarkType, value, expectedVersion)
}

// appendRow inserts a history row inside a transaction, bumping the
// per-entity version. expectedVersion -1 skips the version check.
func (s *SQLiteStore) appendRow(ctx context.Context, entity, watermarkType, value string, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin watermark tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM watermark_history WHERE entity = ?`, entity).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read watermark version: %w", err)
	}
	if expectedVersion >= 0 && current != expectedVersion {
		return 0, fmt.Errorf("entity %s: expected version %d, have %d: %w",
			entity, expectedVersion, current, ErrVersionConflict)
	}

	next := current + 1
	_, err = tx.ExecContext(ctx, `
INSERT INTO watermark_history (entity, watermark_type, watermark_value, version, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		entity, watermarkType, value, next, time.Now().UTC().Format(sqliteTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("insert watermark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit watermark: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT h.entity, h.watermark_type, h.watermark_value, h.version, h.updated_at
FROM watermark_history h
JOIN (
  SELECT entity, MAX(version) AS version FROM watermark_history GROUP BY entity
) cur ON cur.entity = h.entity AND cur.version = h.version
ORDER BY h.entity`)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var updated string
		if err := rows.Scan(&e.Entity, &e.Type, &e.Value, &e.Version, &updated); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var updated string
	err := row.Scan(&e.Entity, &e.Type, &e.Value, &e.Version, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan watermark: %w", err)
	}
	e.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updated)
	return &e, nil
}
