package record

import (
	"encoding/json"
	"fmt"
)

// Record is the flattened form of a synchronized entity used by the store
// and the sync engines. The envelope and key columns are extracted from
// the entity so generic code can query and compare without decoding
// kind-specific fields; Payload holds the canonical JSON of the entity.
type Record struct {
	UserID    string
	Kind      Kind
	Key       string
	BookHash  string
	MetaHash  string
	RefID     string
	UpdatedAt int64
	DeletedAt int64
	Payload   json.RawMessage
}

// Decode parses a wire-level record of the given kind owned by userID.
//
// The owning user always comes from the authenticated identity, never
// from the wire payload. The returned record's Payload is the canonical
// re-encoding of the entity, so unknown wire fields are dropped.
func Decode(kind Kind, userID string, data json.RawMessage) (Record, error) {
	ent, err := newEntity(kind)
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(data, ent); err != nil {
		return Record{}, fmt.Errorf("invalid %s record: %w", kind, err)
	}
	ent.Envelope().UserID = userID
	if err := ent.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid %s record: %w", kind, err)
	}
	return fromEntity(ent)
}

// FromEntity flattens a typed entity into a Record.
func FromEntity(ent Entity) (Record, error) {
	if err := ent.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid %s record: %w", ent.Kind(), err)
	}
	return fromEntity(ent)
}

func fromEntity(ent Entity) (Record, error) {
	payload, err := json.Marshal(ent)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s record: %w", ent.Kind(), err)
	}
	env := ent.Envelope()
	bookHash, metaHash := ent.Scope()
	return Record{
		UserID:    env.UserID,
		Kind:      ent.Kind(),
		Key:       ent.Key(),
		BookHash:  bookHash,
		MetaHash:  metaHash,
		RefID:     ent.RefID(),
		UpdatedAt: env.UpdatedAt,
		DeletedAt: env.DeletedAt,
		Payload:   payload,
	}, nil
}

// Entity decodes the record's payload back into its typed entity.
func (r Record) Entity() (Entity, error) {
	ent, err := newEntity(r.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Payload, ent); err != nil {
		return nil, fmt.Errorf("corrupt %s payload for key %s: %w", r.Kind, r.Key, err)
	}
	return ent, nil
}

// Envelope returns the record's sync envelope view.
func (r Record) Envelope() Syncable {
	return Syncable{UserID: r.UserID, UpdatedAt: r.UpdatedAt, DeletedAt: r.DeletedAt}
}

// ChangeTime returns the later of UpdatedAt and DeletedAt.
func (r Record) ChangeTime() int64 {
	if r.DeletedAt > r.UpdatedAt {
		return r.DeletedAt
	}
	return r.UpdatedAt
}

// Stamp returns a copy of the record with UpdatedAt set to updatedAt,
// re-encoding the payload so the envelope inside it stays consistent
// with the extracted columns.
func (r Record) Stamp(updatedAt int64) (Record, error) {
	ent, err := r.Entity()
	if err != nil {
		return Record{}, err
	}
	env := ent.Envelope()
	env.UserID = r.UserID
	env.UpdatedAt = updatedAt
	return fromEntity(ent)
}

// WithDeletedAt returns a copy of the record with DeletedAt set to
// deletedAt, re-encoding the payload like Stamp does.
func (r Record) WithDeletedAt(deletedAt int64) (Record, error) {
	ent, err := r.Entity()
	if err != nil {
		return Record{}, err
	}
	env := ent.Envelope()
	env.UserID = r.UserID
	env.DeletedAt = deletedAt
	return fromEntity(ent)
}

// Batch is a wire-level push payload or pull/push response: zero or more
// raw records per kind. A kind that was not requested (or not submitted)
// is simply absent; a requested kind with no changes is an empty,
// non-nil list, so callers can tell "didn't ask" from "asked, got
// nothing".
type Batch map[Kind][]json.RawMessage

// Add appends a record payload to the batch under its kind.
func (b Batch) Add(kind Kind, payload json.RawMessage) {
	b[kind] = append(b[kind], payload)
}

// Total returns the number of records across all kinds.
func (b Batch) Total() int {
	n := 0
	for _, recs := range b {
		n += len(recs)
	}
	return n
}
