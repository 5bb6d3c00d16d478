package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists watermark history in Postgres for deployments
// where several hosts share one connector state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects using dsn, falling back to the
// HUBSPOT_WATERMARK_DSN and DATABASE_URL environment variables.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		dsn = os.Getenv("HUBSPOT_WATERMARK_DSN")
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres watermark store requires a DSN")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open watermark db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping watermark db: %w", err)
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool. The caller
// keeps ownership of db.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS watermark_history (
  id BIGSERIAL PRIMARY KEY,
  entity TEXT NOT NULL,
  watermark_type TEXT NOT NULL,
  watermark_value TEXT NOT NULL,
  version BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_watermark_history_entity
  ON watermark_history(entity, updated_at DESC, version DESC);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("ensure watermark schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, entity, def string) (string, error) {
	cur, err := s.Current(ctx, entity)
	if err != nil {
		return "", err
	}
	if cur == nil {
		return def, nil
	}
	return cur.Value, nil
}

func (s *PostgresStore) Current(ctx context.Context, entity string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT entity, watermark_type, watermark_value, version, updated_at
FROM watermark_history
WHERE entity = $1
ORDER BY updated_at DESC, version DESC
LIMIT 1`, entity)

	var e Entry
	err := row.Scan(&e.Entity, &e.Type, &e.Value, &e.Version, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan watermark: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) Set(ctx context.Context, entity, watermarkType, value string) error {
	_, err := s.appendRow(ctx, entity, watermarkType, value, -1)
	return err
}

func (s *PostgresStore) CheckAndSet(ctx context.Context, entity, watermarkType, value string, expectedVersion int64) (int64, error) {
	return s.appendRow(ctx, entity, watermarkType, value, expectedVersion)
}

func (s *PostgresStore) appendRow(ctx context.Context, entity, watermarkType, value string, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin watermark tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM watermark_history WHERE entity = $1`, entity).Scan(&current)
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
VALUES ($1, $2, $3, $4, now())`,
		entity, watermarkType, value, next)
	if err != nil {
		return 0, fmt.Errorf("insert watermark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit watermark: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
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
		if err := rows.Scan(&e.Entity, &e.Type, &e.Value, &e.Version, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
