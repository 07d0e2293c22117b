package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shelfsync/shelfsync/internal/record"
)

// Device-side state: per-kind sync checkpoints and the pending push
// queue. Both live in the same database file as the local replica so a
// crash cannot separate "what I have" from "what I still owe the server".

// Checkpoint returns the last-synced-at timestamp for a kind.
// A kind that has never synced returns 0.
func (st *Store) Checkpoint(ctx context.Context, kind record.Kind) (int64, error) {
	var ts int64
	err := st.conn.QueryRowContext(ctx,
		"SELECT last_synced_at FROM sync_checkpoints WHERE kind = ?",
		string(kind)).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s checkpoint: %w", kind, err)
	}
	return ts, nil
}

// SetCheckpoint records the last-synced-at timestamp for a kind.
func (st *Store) SetCheckpoint(ctx context.Context, kind record.Kind, ts int64) error {
	query := `
	INSERT INTO sync_checkpoints (kind, last_synced_at) VALUES (?, ?)
	ON CONFLICT(kind) DO UPDATE SET last_synced_at = excluded.last_synced_at
	`
	if _, err := st.conn.ExecContext(ctx, query, string(kind), ts); err != nil {
		return fmt.Errorf("failed to set %s checkpoint: %w", kind, err)
	}
	return nil
}

// QueuedRecord is one pending push queue entry.
type QueuedRecord struct {
	ID       int64
	Kind     record.Kind
	Payload  json.RawMessage
	QueuedAt int64
}

// EnqueuePush appends a locally created, edited, or tombstoned record to
// the pending push queue. The entry stays queued until DequeuePush
// confirms a successful round trip, giving at-least-once delivery
// (re-delivery is safe because the server upsert is idempotent).
func (st *Store) EnqueuePush(ctx context.Context, kind record.Kind, payload json.RawMessage) error {
	_, err := st.conn.ExecContext(ctx,
		"INSERT INTO push_queue (kind, payload, queued_at) VALUES (?, ?, ?)",
		string(kind), string(payload), record.NowMillis())
	if err != nil {
		return fmt.Errorf("failed to enqueue %s record: %w", kind, err)
	}
	return nil
}

// PendingPush returns all queued entries for one kind in queue order.
func (st *Store) PendingPush(ctx context.Context, kind record.Kind) ([]QueuedRecord, error) {
	rows, err := st.conn.QueryContext(ctx,
		"SELECT id, kind, payload, queued_at FROM push_queue WHERE kind = ? ORDER BY id ASC",
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending %s pushes: %w", kind, err)
	}
	defer rows.Close()

	var pending []QueuedRecord
	for rows.Next() {
		var q QueuedRecord
		var kindStr, payload string
		if err := rows.Scan(&q.ID, &kindStr, &payload, &q.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		q.Kind = record.Kind(kindStr)
		q.Payload = json.RawMessage(payload)
		pending = append(pending, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating push queue: %w", err)
	}

	return pending, nil
}

// PendingPushCount returns the number of queued entries per kind.
func (st *Store) PendingPushCount(ctx context.Context) (map[record.Kind]int, error) {
	rows, err := st.conn.QueryContext(ctx,
		"SELECT kind, COUNT(*) FROM push_queue GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to count push queue: %w", err)
	}
	defer rows.Close()

	counts := make(map[record.Kind]int)
	for rows.Next() {
		var kindStr string
		var n int
		if err := rows.Scan(&kindStr, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[record.Kind(kindStr)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}

	return counts, nil
}

// DequeuePush removes confirmed entries from the push queue.
// Call only after the server acknowledged the push.
func (st *Store) DequeuePush(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM push_queue WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to dequeue entry %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dequeue: %w", err)
	}
	return nil
}
