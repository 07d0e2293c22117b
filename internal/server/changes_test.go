package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/shelfsync/shelfsync/internal/record"
	"github.com/shelfsync/shelfsync/internal/store"
)

// sliceLister is an in-memory Lister honoring Since, scope, Limit and
// Offset the way the SQLite store does, for driving the pagination loop.
type sliceLister struct {
	recs  []record.Record
	calls int
	fail  error
}

func (s *sliceLister) ListChanges(_ context.Context, q store.ChangeQuery) ([]record.Record, error) {
	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}

	var matched []record.Record
	for _, rec := range s.recs {
		if rec.UserID != q.UserID || rec.Kind != q.Kind {
			continue
		}
		if rec.UpdatedAt <= q.Since && rec.DeletedAt <= q.Since {
			continue
		}
		switch {
		case q.BookHash != "" && q.MetaHash != "":
			if rec.BookHash != q.BookHash && rec.MetaHash != q.MetaHash {
				continue
			}
		case q.BookHash != "":
			if rec.BookHash != q.BookHash {
				continue
			}
		case q.MetaHash != "":
			if rec.MetaHash != q.MetaHash {
				continue
			}
		}
		matched = append(matched, rec)
	}

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func noteRec(t *testing.T, user, bookHash, noteID string, updatedAt int64) record.Record {
	t.Helper()

	note := &record.BookNote{BookHash: bookHash, NoteID: noteID}
	note.UserID = user
	note.UpdatedAt = updatedAt
	rec, err := record.FromEntity(note)
	if err != nil {
		t.Fatalf("Failed to build note record: %v", err)
	}
	return rec
}

func TestQueryChanges_PaginationTransparency(t *testing.T) {
	// 5 qualifying records with page size 2 must yield all 5 across
	// three store calls, the last being the short page.
	lister := &sliceLister{}
	for i := 0; i < 5; i++ {
		lister.recs = append(lister.recs, noteRec(t, "u1", "b", fmt.Sprintf("n%d", i), int64(100+i)))
	}

	engine := NewEngine(lister, nil)
	engine.pageSize = 2

	recs, err := engine.QueryChanges(context.Background(), "u1", record.KindNotes, 0, Scope{})
	if err != nil {
		t.Fatalf("QueryChanges failed: %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("got %d records, want all 5 despite paging", len(recs))
	}
	if lister.calls != 3 {
		t.Errorf("store called %d times, want 3 pages", lister.calls)
	}
}

func TestQueryChanges_SinceExclusive(t *testing.T) {
	lister := &sliceLister{}
	for i, ts := range []int64{50, 100, 150, 200} {
		lister.recs = append(lister.recs, noteRec(t, "u1", "b", fmt.Sprintf("n%d", i), ts))
	}

	engine := NewEngine(lister, nil)

	recs, err := engine.QueryChanges(context.Background(), "u1", record.KindNotes, 100, Scope{})
	if err != nil {
		t.Fatalf("QueryChanges failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records, want strictly-after subset of 2", len(recs))
	}
}

func TestQueryChanges_DedupByNoteID(t *testing.T) {
	// Two stored rows carrying the same note id (one filed under the
	// book hash, one under the companion metadata hash) must appear
	// only once in the combined result.
	n1 := noteRec(t, "u1", "hashX", "dup", 200)
	n2 := noteRec(t, "u1", "other", "dup", 150)
	n2.MetaHash = "metaY"
	n3 := noteRec(t, "u1", "hashX", "solo", 100)

	lister := &sliceLister{recs: []record.Record{n1, n2, n3}}
	engine := NewEngine(lister, nil)

	recs, err := engine.QueryChanges(context.Background(), "u1", record.KindNotes, 0,
		Scope{BookHash: "hashX", MetaHash: "metaY"})
	if err != nil {
		t.Fatalf("QueryChanges failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 after dedup", len(recs))
	}

	// First-seen (newest) row wins.
	for _, rec := range recs {
		if rec.RefID == "dup" && rec.UpdatedAt != 200 {
			t.Errorf("dedup kept updated_at=%d, want the newest (200)", rec.UpdatedAt)
		}
	}
}

func TestQueryChanges_ScopeORUnion(t *testing.T) {
	byBook := noteRec(t, "u1", "hashX", "a", 100)
	byMeta := noteRec(t, "u1", "zzz", "b", 100)
	byMeta.MetaHash = "metaY"
	neither := noteRec(t, "u1", "nope", "c", 100)

	lister := &sliceLister{recs: []record.Record{byBook, byMeta, neither}}
	engine := NewEngine(lister, nil)

	recs, err := engine.QueryChanges(context.Background(), "u1", record.KindNotes, 0,
		Scope{BookHash: "hashX", MetaHash: "metaY"})
	if err != nil {
		t.Fatalf("QueryChanges failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records, want the union of 2", len(recs))
	}
}

func TestQueryChanges_CancelledContext(t *testing.T) {
	lister := &sliceLister{recs: []record.Record{noteRec(t, "u1", "b", "n", 100)}}
	engine := NewEngine(lister, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.QueryChanges(ctx, "u1", record.KindNotes, 0, Scope{}); err == nil {
		t.Error("QueryChanges returned nil error on cancelled context")
	}
}

func TestQueryChanges_StoreError(t *testing.T) {
	lister := &sliceLister{fail: fmt.Errorf("disk on fire")}
	engine := NewEngine(lister, nil)

	_, err := engine.QueryChanges(context.Background(), "u1", record.KindBooks, 0, Scope{})
	if err == nil {
		t.Fatal("QueryChanges swallowed store error")
	}
}
