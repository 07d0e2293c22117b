package record

import "time"

// Syncable provides the common envelope fields for entities that
// participate in synchronization. It is embedded in every entity kind.
//
// All timestamps are epoch milliseconds. Zero means "not set" and always
// compares as older than any real timestamp.
type Syncable struct {
	// UserID is the owning user. Every sync operation is scoped to it;
	// the server overwrites it from the authenticated identity and never
	// trusts the wire value.
	UserID string `json:"user_id,omitempty"`

	// UpdatedAt is the last modification instant, set by whichever party
	// wrote last. The authoritative value is decided by the conflict
	// resolver on push, not assumed consistent across devices.
	UpdatedAt int64 `json:"updated_at,omitempty"`

	// DeletedAt marks a soft delete. Once set it is never cleared by the
	// sync layer; the tombstone is retained so the deletion propagates.
	DeletedAt int64 `json:"deleted_at,omitempty"`
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// IsDeleted reports whether the record carries a tombstone.
func (s *Syncable) IsDeleted() bool {
	return s.DeletedAt != 0
}

// Touch sets UpdatedAt to now. Call after any local edit so the change
// is visible to delta queries.
func (s *Syncable) Touch() {
	s.UpdatedAt = NowMillis()
}

// MarkDeleted tombstones the record and bumps UpdatedAt so the deletion
// appears in delta queries.
func (s *Syncable) MarkDeleted() {
	now := NowMillis()
	s.DeletedAt = now
	s.UpdatedAt = now
}

// NewerThan reports whether s should win a conflict against other.
//
// Deletion time takes priority: a record whose DeletedAt exceeds the
// other's wins regardless of UpdatedAt, so tombstones propagate promptly.
// Otherwise the record with the greater UpdatedAt wins. Exact ties lose:
// the resolver keeps the current server row on a tie.
func (s *Syncable) NewerThan(other *Syncable) bool {
	if s.DeletedAt > other.DeletedAt {
		return true
	}
	return s.UpdatedAt > other.UpdatedAt
}

// ChangedSince reports whether the record was edited or tombstoned
// strictly after the given checkpoint.
func (s *Syncable) ChangedSince(since int64) bool {
	return s.UpdatedAt > since || s.DeletedAt > since
}

// ChangeTime returns the instant at which this record last became visible
// to a delta query: the later of UpdatedAt and DeletedAt.
func (s *Syncable) ChangeTime() int64 {
	if s.DeletedAt > s.UpdatedAt {
		return s.DeletedAt
	}
	return s.UpdatedAt
}
