package syncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/record"
)

func TestWatcher_DrainsExistingSpoolFiles(t *testing.T) {
	session, _ := newEnv(t)
	spool := t.TempDir()

	// Spooled before the watcher starts, as after an agent restart.
	booksDir := filepath.Join(spool, "books")
	require.NoError(t, os.MkdirAll(booksDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(booksDir, "h1.json"),
		[]byte(`{"book_hash": "h1", "title": "Spooled", "updated_at": 100}`),
		0o644,
	))

	w, err := NewWatcher(session, spool, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	counts, err := session.PendingCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[record.KindBooks])

	local, err := session.store.Get(context.Background(), "alice", record.KindBooks, "h1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, local.UpdatedAt)
}

func TestWatcher_StampsMissingTimestamp(t *testing.T) {
	session, _ := newEnv(t)
	spool := t.TempDir()

	booksDir := filepath.Join(spool, "books")
	require.NoError(t, os.MkdirAll(booksDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(booksDir, "h1.json"),
		[]byte(`{"book_hash": "h1", "title": "Unstamped"}`),
		0o644,
	))

	w, err := NewWatcher(session, spool, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	local, err := session.store.Get(context.Background(), "alice", record.KindBooks, "h1")
	require.NoError(t, err)
	assert.Positive(t, local.UpdatedAt, "spooled record without a timestamp gets stamped")
}

func TestWatcher_IgnoresMalformedSpoolFile(t *testing.T) {
	session, _ := newEnv(t)
	spool := t.TempDir()

	booksDir := filepath.Join(spool, "books")
	require.NoError(t, os.MkdirAll(booksDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(booksDir, "bad.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(booksDir, "h1.json"),
		[]byte(`{"book_hash": "h1", "updated_at": 100}`),
		0o644,
	))

	w, err := NewWatcher(session, spool, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	counts, err := session.PendingCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[record.KindBooks], "good file queued, bad file skipped")
}

func TestWatcher_TombstoneOnRemove(t *testing.T) {
	session, _ := newEnv(t)
	ctx := context.Background()

	// The record exists locally; removing its spool file queues a
	// deletion for it.
	require.NoError(t, session.store.Put(ctx, bookRecord(t, "alice", "h1", 100, 0)))

	w, err := NewWatcher(session, t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, w.tombstoneFile(filepath.Join(w.spool, "books", "h1.json")))

	counts, err := session.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[record.KindBooks])

	local, err := session.store.Get(ctx, "alice", record.KindBooks, "h1")
	require.NoError(t, err)
	assert.Positive(t, local.DeletedAt, "local copy tombstoned")
}

func TestWatcher_TombstoneUnknownKeyIgnored(t *testing.T) {
	session, _ := newEnv(t)

	w, err := NewWatcher(session, t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, w.tombstoneFile(filepath.Join(w.spool, "books", "never-seen.json")))

	counts, err := session.PendingCounts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[record.KindBooks])
}

func TestWatcher_CompositeNoteKey(t *testing.T) {
	session, _ := newEnv(t)
	ctx := context.Background()

	note := &record.BookNote{BookHash: "h1", NoteID: "n1", Text: "margin note"}
	note.UserID = "alice"
	note.UpdatedAt = 100
	rec, err := record.FromEntity(note)
	require.NoError(t, err)
	require.NoError(t, session.store.Put(ctx, rec))

	w, err := NewWatcher(session, t.TempDir(), nil)
	require.NoError(t, err)

	// notes/<book_hash>__<note_id>.json maps back to the composite key.
	require.NoError(t, w.tombstoneFile(filepath.Join(w.spool, "notes", "h1__n1.json")))

	local, err := session.store.Get(ctx, "alice", record.KindNotes, "h1/n1")
	require.NoError(t, err)
	assert.Positive(t, local.DeletedAt)
}
