package record

import "fmt"

// Kind identifies one of the synchronized entity kinds.
type Kind string

const (
	KindBooks    Kind = "books"
	KindConfigs  Kind = "configs"
	KindNotes    Kind = "notes"
	KindSessions Kind = "sessions"
	KindGoals    Kind = "goals"
)

// Kinds returns all synchronized kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindBooks, KindConfigs, KindNotes, KindSessions, KindGoals}
}

// ParseKind validates a wire-level kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBooks, KindConfigs, KindNotes, KindSessions, KindGoals:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// KeyFields returns the names of the logical primary key fields for the
// kind, excluding user_id (every key is implicitly scoped by user).
//
// This is the build-time-checked equivalent of a runtime column lookup
// table: adding a kind without extending this switch is a compile-visible
// gap, and tests assert the descriptor against each entity's Key().
func (k Kind) KeyFields() []string {
	switch k {
	case KindBooks, KindConfigs:
		return []string{"book_hash"}
	case KindNotes:
		return []string{"book_hash", "note_id"}
	case KindSessions:
		return []string{"session_id"}
	case KindGoals:
		return []string{"goal_id"}
	default:
		return nil
	}
}

// HasRefID reports whether the kind carries a secondary per-row identity
// used for result deduplication (currently only notes, via note_id).
func (k Kind) HasRefID() bool {
	return k == KindNotes
}
