package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/ruteri/tee-signing-vault/interfaces"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS vault_records (
    key BYTEA PRIMARY KEY,
    value BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const (
	queryGetRecord    = `SELECT value FROM vault_records WHERE key = $1`
	queryPutRecord    = `INSERT INTO vault_records (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	queryDeleteRecord = `DELETE FROM vault_records WHERE key = $1`
	queryListRecords  = `SELECT key FROM vault_records ORDER BY key`
)

// PostgresBackend stores records in a single vault_records table.
type PostgresBackend struct {
	db          *sql.DB
	log         *slog.Logger
	locationURI string
}

// OpenPostgresBackend connects to dsn, verifies the connection and creates
// the schema if needed.
func OpenPostgresBackend(ctx context.Context, dsn string, redactedURI string, log *slog.Logger) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return NewPostgresBackend(db, redactedURI, log), nil
}

// NewPostgresBackend wraps an existing database handle. The schema must exist.
func NewPostgresBackend(db *sql.DB, locationURI string, log *slog.Logger) *PostgresBackend {
	return &PostgresBackend{db: db, log: log, locationURI: locationURI}
}

func (b *PostgresBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, queryGetRecord, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select record: %w", err)
	}
	return value, nil
}

func (b *PostgresBackend) Put(ctx context.Context, key []byte, value []byte) error {
	start := time.Now()
	if _, err := b.db.ExecContext(ctx, queryPutRecord, key, value); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	b.log.Debug("Stored record in postgres",
		slog.Int("size", len(value)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, key []byte) error {
	if _, err := b.db.ExecContext(ctx, queryDeleteRecord, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (b *PostgresBackend) List(ctx context.Context) ([][]byte, error) {
	rows, err := b.db.QueryContext(ctx, queryListRecords)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var keys [][]byte
	for rows.Next() {
		var key []byte
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan record key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return keys, nil
}

func (b *PostgresBackend) Available(ctx context.Context) bool {
	if err := b.db.PingContext(ctx); err != nil {
		b.log.Debug("Postgres backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *PostgresBackend) Name() string {
	return "postgres"
}

func (b *PostgresBackend) LocationURI() string {
	return b.locationURI
}

// Close releases the database handle.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
