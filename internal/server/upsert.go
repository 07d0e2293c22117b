package server

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shelfsync/shelfsync/internal/record"
	"github.com/shelfsync/shelfsync/internal/store"
)

// maxUpsertAttempts bounds the re-read/re-resolve loop under write
// contention for the same key.
const maxUpsertAttempts = 3

// RecordStore is the slice of the store the resolver writes through.
type RecordStore interface {
	Get(ctx context.Context, userID string, kind record.Kind, key string) (record.Record, error)
	Insert(ctx context.Context, rec record.Record) (bool, error)
	UpdateIf(ctx context.Context, rec record.Record, prevUpdatedAt, prevDeletedAt int64) (bool, error)
}

// Resolver decides, for each incoming client record, whether to insert,
// overwrite, or discard it, and always returns the authoritative row.
//
// The decision is last-writer-wins with deletion priority: an incoming
// record wins if its deleted_at exceeds the stored one, or failing that
// if its updated_at exceeds the stored one. Ties and older records lose
// silently - the caller gets the unchanged server row back and converges
// by adopting it, never an error it could mistake for a rejection signal.
//
// Writes go through the store's conditional update keyed on the
// previously read envelope, so two devices racing on the same key cannot
// silently lose an update: the loser's condition fails and it re-reads
// and re-resolves.
type Resolver struct {
	store  RecordStore
	logger *log.Logger
	now    func() int64
}

// NewResolver creates a conflict-resolving upsert engine.
// If logger is nil, the default logger is used.
func NewResolver(st RecordStore, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		store:  st,
		logger: logger,
		now:    record.NowMillis,
	}
}

// Apply upserts one incoming record and returns the authoritative row.
//
// applied reports whether the incoming record became authoritative (it
// was inserted or overwrote the stored row); false means the stored row
// won and is returned unchanged. Callers must treat the returned record,
// not the input, as the new truth either way.
func (r *Resolver) Apply(ctx context.Context, rec record.Record) (authoritative record.Record, applied bool, err error) {
	if rec.UserID == "" {
		return record.Record{}, false, fmt.Errorf("record has no owning user")
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		current, err := r.store.Get(ctx, rec.UserID, rec.Kind, rec.Key)
		if errors.Is(err, store.ErrNotFound) {
			ins := rec
			if ins.UpdatedAt == 0 {
				ins, err = ins.Stamp(r.now())
				if err != nil {
					return record.Record{}, false, err
				}
			}
			inserted, err := r.store.Insert(ctx, ins)
			if err != nil {
				return record.Record{}, false, err
			}
			if inserted {
				return ins, true, nil
			}
			// Another writer inserted the key between our read and
			// write; re-read and resolve against their row.
			continue
		}
		if err != nil {
			return record.Record{}, false, err
		}

		in := rec.Envelope()
		cur := current.Envelope()
		if !in.NewerThan(&cur) {
			// Server row wins; discard the client write silently.
			return current, false, nil
		}

		// Tombstones are permanent: a winning edit may update the row's
		// fields but never resurrects it.
		win := rec
		if win.DeletedAt < current.DeletedAt {
			win, err = win.WithDeletedAt(current.DeletedAt)
			if err != nil {
				return record.Record{}, false, err
			}
		}

		ok, err := r.store.UpdateIf(ctx, win, current.UpdatedAt, current.DeletedAt)
		if err != nil {
			return record.Record{}, false, err
		}
		if ok {
			if win.DeletedAt > current.DeletedAt {
				r.logger.Printf("Tombstone adopted for %s record %s (deleted_at=%d)",
					win.Kind, win.Key, win.DeletedAt)
			}
			return win, true, nil
		}
		// The envelope moved underneath us; resolve against the new row.
	}

	return record.Record{}, false, fmt.Errorf("upsert contention for %s record %s", rec.Kind, rec.Key)
}
