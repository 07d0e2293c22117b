// Package record defines the synchronized entity kinds and their shared
// sync envelope.
//
// Every synchronized record carries a Syncable envelope (owner, last
// modification time, optional tombstone time) layered under kind-specific
// fields. Five kinds are synchronized:
//
//   - books:    library catalog entries, keyed by (user, book_hash)
//   - configs:  per-book reading configuration, keyed by (user, book_hash)
//   - notes:    annotations, keyed by (user, book_hash, note_id)
//   - sessions: reading sessions, keyed by (user, session_id)
//   - goals:    reading goals, keyed by (user, goal_id)
//
// Timestamps are epoch milliseconds. A zero deleted_at means the record is
// live; a nonzero deleted_at is a tombstone that is retained and propagated
// so other devices observe the deletion. Conflict resolution compares
// tombstone time first, then modification time (see Syncable.NewerThan).
package record
