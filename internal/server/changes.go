// Package server implements the sync endpoint: the change-query engine
// for pulls, the conflict-resolving upsert engine for pushes, and the
// HTTP surface composing them per entity kind.
package server

import (
	"context"
	"fmt"
	"log"

	"github.com/shelfsync/shelfsync/internal/record"
	"github.com/shelfsync/shelfsync/internal/store"
)

// changePageSize is the fixed page size used when draining the store.
// Pagination is internal: callers always receive the full result set.
const changePageSize = 100

// Scope optionally narrows a change query to one logical book. When both
// hashes are set, a record qualifies if EITHER matches, so a client
// asking for "this book" also receives changes filed under the book's
// companion metadata identifier.
type Scope struct {
	BookHash string
	MetaHash string
}

// Lister is the slice of the record store the change engine reads from.
type Lister interface {
	ListChanges(ctx context.Context, q store.ChangeQuery) ([]record.Record, error)
}

// Engine answers "everything that changed since this checkpoint" queries
// against the record store, one kind at a time.
type Engine struct {
	store    Lister
	pageSize int
	logger   *log.Logger
}

// NewEngine creates a change-query engine over the given store.
// If logger is nil, the default logger is used.
func NewEngine(st Lister, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:    st,
		pageSize: changePageSize,
		logger:   logger,
	}
}

// QueryChanges returns all records of one kind changed or tombstoned
// strictly after since, newest updated_at first.
//
// The store is drained page by page (page N+1 only after page N) until a
// short page signals the end; the paging is invisible to the caller. If
// the context is cancelled mid-drain the partial result is discarded and
// the context error returned, so callers never mistake a truncated result
// for a complete one.
//
// For kinds with a secondary per-row identity (notes), the result is
// deduplicated by that identity, keeping the first-seen row, to absorb
// rows that structurally match more than one filter.
func (e *Engine) QueryChanges(ctx context.Context, userID string, kind record.Kind, since int64, scope Scope) ([]record.Record, error) {
	var all []record.Record

	for offset := 0; ; offset += e.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := e.store.ListChanges(ctx, store.ChangeQuery{
			UserID:   userID,
			Kind:     kind,
			Since:    since,
			BookHash: scope.BookHash,
			MetaHash: scope.MetaHash,
			Limit:    e.pageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query %s changes: %w", kind, err)
		}

		all = append(all, page...)

		// A short page means the store is drained.
		if len(page) < e.pageSize {
			break
		}
	}

	if kind.HasRefID() {
		all = dedupByRefID(all)
	}

	return all, nil
}

// dedupByRefID keeps the first occurrence of each secondary identity.
// Input ordering (newest first) is preserved, so the newest row wins.
func dedupByRefID(recs []record.Record) []record.Record {
	seen := make(map[string]bool, len(recs))
	out := recs[:0]
	for _, rec := range recs {
		if rec.RefID != "" && seen[rec.RefID] {
			continue
		}
		seen[rec.RefID] = true
		out = append(out, rec)
	}
	return out
}
