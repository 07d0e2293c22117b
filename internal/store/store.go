// Package store provides the SQLite-backed record store for shelfsync.
//
// The same store serves both sides of the protocol: the server uses it as
// the authoritative record store behind the change-query and upsert
// engines, and each device uses it for its local replica plus the
// device-only tables (per-kind sync checkpoints and the pending push
// queue).
//
// The database runs embedded via ncruces/go-sqlite3 with WAL mode so
// readers are not blocked during writes. All records share one table with
// the sync envelope flattened into indexed columns and the kind-specific
// fields kept as a JSON payload; that keeps the change-query and
// conflict-resolution SQL identical across the five kinds.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"database/sql"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite connection with record-store functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".shelfsync/records.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// WAL for concurrent reads during writes
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (st *Store) RawDB() *sql.DB {
	return st.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint so all changes are persisted to the main file.
func (st *Store) Close() error {
	if st.conn == nil {
		return nil
	}

	if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := st.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	st.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the records table plus the device-side checkpoint and
// push-queue tables, along with the indexes the change queries need.
// Idempotent - safe to call multiple times.
func (st *Store) InitSchema() error {
	return st.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (st *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Authoritative (server) or replica (device) record rows.
	-- rec_key is the canonical logical primary key within (user, kind);
	-- composite keys are joined with '/'. Timestamps are epoch millis,
	-- 0 meaning "not set". deleted_at != 0 is a tombstone.
	CREATE TABLE IF NOT EXISTS records (
		user_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		rec_key    TEXT NOT NULL,
		book_hash  TEXT NOT NULL DEFAULT '',
		meta_hash  TEXT NOT NULL DEFAULT '',
		ref_id     TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER NOT NULL DEFAULT 0,
		payload    TEXT NOT NULL,
		PRIMARY KEY (user_id, kind, rec_key)
	);

	-- Device-side per-kind sync checkpoints ("seen everything up to here").
	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		kind           TEXT PRIMARY KEY,
		last_synced_at INTEGER NOT NULL DEFAULT 0
	);

	-- Device-side pending push queue. Rows survive process restarts and
	-- are removed only after a push round-trip confirms success.
	CREATE TABLE IF NOT EXISTS push_queue (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		kind      TEXT NOT NULL,
		payload   TEXT NOT NULL,
		queued_at INTEGER NOT NULL
	);

	-- Indexes for delta queries and scope filters
	CREATE INDEX IF NOT EXISTS idx_records_updated
	    ON records(user_id, kind, updated_at);
	CREATE INDEX IF NOT EXISTS idx_records_deleted
	    ON records(user_id, kind, deleted_at);
	CREATE INDEX IF NOT EXISTS idx_records_book
	    ON records(user_id, kind, book_hash);
	CREATE INDEX IF NOT EXISTS idx_records_meta
	    ON records(user_id, kind, meta_hash);
	CREATE INDEX IF NOT EXISTS idx_push_queue_kind ON push_queue(kind);
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
