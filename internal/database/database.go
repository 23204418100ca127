package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"outpost/internal/domain"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the SQLite-backed persistence for the outbound queue.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

var _ domain.Store = (*DB)(nil)

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps WAL checkpoints simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("queue database initialized")
	}
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS outbound_queue (
            id TEXT PRIMARY KEY,
            record BLOB NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_outbound_queue_updated_at ON outbound_queue(updated_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Put inserts or replaces the record for id.
func (db *DB) Put(ctx context.Context, id string, data []byte) error {
	query := `INSERT INTO outbound_queue (id, record, updated_at) VALUES (?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, id, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to put queue record %s: %w", id, err)
	}
	return nil
}

func (db *DB) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := db.QueryRowContext(ctx, `SELECT record FROM outbound_queue WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue record %s: %w", id, err)
	}
	return data, nil
}

// Delete is a no-op for unknown ids.
func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM outbound_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue record %s: %w", id, err)
	}
	return nil
}

func (db *DB) ListAll(ctx context.Context) ([]domain.Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, record FROM outbound_queue ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue records: %w", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		var r domain.Record
		if err := rows.Scan(&r.ID, &r.Data); err != nil {
			return nil, fmt.Errorf("failed to scan queue record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of stored records.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue records: %w", err)
	}
	return n, nil
}
