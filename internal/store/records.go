package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shelfsync/shelfsync/internal/record"
)

// Get retrieves a single record by its logical primary key.
// Returns ErrNotFound if no row matches.
func (st *Store) Get(ctx context.Context, userID string, kind record.Kind, key string) (record.Record, error) {
	query := `
	SELECT user_id, kind, rec_key, book_hash, meta_hash, ref_id,
	       updated_at, deleted_at, payload
	FROM records
	WHERE user_id = ? AND kind = ? AND rec_key = ?
	`

	row := st.conn.QueryRowContext(ctx, query, userID, string(kind), key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to get %s record %s: %w", kind, key, err)
	}
	return rec, nil
}

// Insert adds a new record, failing softly if the key already exists.
// Returns true if the row was inserted, false if another writer got
// there first (the caller should re-read and re-resolve).
func (st *Store) Insert(ctx context.Context, rec record.Record) (bool, error) {
	query := `
	INSERT INTO records (
		user_id, kind, rec_key, book_hash, meta_hash, ref_id,
		updated_at, deleted_at, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, kind, rec_key) DO NOTHING
	`

	res, err := st.conn.ExecContext(ctx, query,
		rec.UserID, string(rec.Kind), rec.Key,
		rec.BookHash, rec.MetaHash, rec.RefID,
		rec.UpdatedAt, rec.DeletedAt, string(rec.Payload),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s record %s: %w", rec.Kind, rec.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// UpdateIf overwrites the record's row only if the stored envelope still
// matches the previously read (updated_at, deleted_at) pair. This is the
// conditional write that serializes concurrent upserts for the same key:
// a racing writer changes the envelope, the condition fails, and the
// caller re-reads and re-resolves instead of silently losing the update.
//
// Returns true if the row was written.
func (st *Store) UpdateIf(ctx context.Context, rec record.Record, prevUpdatedAt, prevDeletedAt int64) (bool, error) {
	query := `
	UPDATE records SET
		book_hash = ?, meta_hash = ?, ref_id = ?,
		updated_at = ?, deleted_at = ?, payload = ?
	WHERE user_id = ? AND kind = ? AND rec_key = ?
	  AND updated_at = ? AND deleted_at = ?
	`

	res, err := st.conn.ExecContext(ctx, query,
		rec.BookHash, rec.MetaHash, rec.RefID,
		rec.UpdatedAt, rec.DeletedAt, string(rec.Payload),
		rec.UserID, string(rec.Kind), rec.Key,
		prevUpdatedAt, prevDeletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update %s record %s: %w", rec.Kind, rec.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return n == 1, nil
}

// Put unconditionally upserts a record. Devices use this to apply
// authoritative records returned by the server; the server itself only
// writes through Insert and UpdateIf.
func (st *Store) Put(ctx context.Context, rec record.Record) error {
	query := `
	INSERT INTO records (
		user_id, kind, rec_key, book_hash, meta_hash, ref_id,
		updated_at, deleted_at, payload
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, kind, rec_key) DO UPDATE SET
		book_hash = excluded.book_hash,
		meta_hash = excluded.meta_hash,
		ref_id = excluded.ref_id,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		payload = excluded.payload
	`

	_, err := st.conn.ExecContext(ctx, query,
		rec.UserID, string(rec.Kind), rec.Key,
		rec.BookHash, rec.MetaHash, rec.RefID,
		rec.UpdatedAt, rec.DeletedAt, string(rec.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to put %s record %s: %w", rec.Kind, rec.Key, err)
	}
	return nil
}

// ChangeQuery configures one page of a ListChanges call.
type ChangeQuery struct {
	UserID string
	Kind   record.Kind
	// Since is the exclusive lower bound: rows qualify when either
	// updated_at or deleted_at exceeds it.
	Since int64
	// BookHash and MetaHash narrow the result to one logical book.
	// When both are set a row qualifies if EITHER hash matches, so
	// changes filed under a companion identifier are still returned.
	BookHash string
	MetaHash string
	// Limit and Offset select one page. Limit 0 means no limit.
	Limit  int
	Offset int
}

// ListChanges returns one page of records changed or tombstoned after the
// query's checkpoint, newest updated_at first.
func (st *Store) ListChanges(ctx context.Context, q ChangeQuery) ([]record.Record, error) {
	conditions := []string{"user_id = ?", "kind = ?", "(updated_at > ? OR deleted_at > ?)"}
	args := []interface{}{q.UserID, string(q.Kind), q.Since, q.Since}

	switch {
	case q.BookHash != "" && q.MetaHash != "":
		conditions = append(conditions, "(book_hash = ? OR meta_hash = ?)")
		args = append(args, q.BookHash, q.MetaHash)
	case q.BookHash != "":
		conditions = append(conditions, "book_hash = ?")
		args = append(args, q.BookHash)
	case q.MetaHash != "":
		conditions = append(conditions, "meta_hash = ?")
		args = append(args, q.MetaHash)
	}

	query := `
	SELECT user_id, kind, rec_key, book_hash, meta_hash, ref_id,
	       updated_at, deleted_at, payload
	FROM records
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY updated_at DESC, rec_key ASC
	`

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		// SQLite requires LIMIT when OFFSET is present.
		query += " LIMIT -1"
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := st.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s changes: %w", q.Kind, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// CountRecords returns the number of rows for one user and kind,
// including tombstones.
func (st *Store) CountRecords(ctx context.Context, userID string, kind record.Kind) (int, error) {
	var count int
	err := st.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE user_id = ? AND kind = ?",
		userID, string(kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", kind, err)
	}
	return count, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (record.Record, error) {
	var rec record.Record
	var kind, payload string

	err := s.Scan(
		&rec.UserID,
		&kind,
		&rec.Key,
		&rec.BookHash,
		&rec.MetaHash,
		&rec.RefID,
		&rec.UpdatedAt,
		&rec.DeletedAt,
		&payload,
	)
	if err != nil {
		return record.Record{}, err
	}

	rec.Kind = record.Kind(kind)
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]record.Record, error) {
	var recs []record.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return recs, nil
}
