package record

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSyncable_NewerThan(t *testing.T) {
	tests := []struct {
		name   string
		client Syncable
		server Syncable
		want   bool
	}{
		{
			name:   "newer edit wins",
			client: Syncable{UpdatedAt: 150},
			server: Syncable{UpdatedAt: 100},
			want:   true,
		},
		{
			name:   "older edit loses",
			client: Syncable{UpdatedAt: 90},
			server: Syncable{UpdatedAt: 100},
			want:   false,
		},
		{
			name:   "exact tie loses",
			client: Syncable{UpdatedAt: 100},
			server: Syncable{UpdatedAt: 100},
			want:   false,
		},
		{
			name:   "deletion wins despite older edit time",
			client: Syncable{UpdatedAt: 50, DeletedAt: 200},
			server: Syncable{UpdatedAt: 100},
			want:   true,
		},
		{
			name:   "server tombstone not displaced by equal times",
			client: Syncable{UpdatedAt: 100},
			server: Syncable{UpdatedAt: 100, DeletedAt: 100},
			want:   false,
		},
		{
			name:   "missing timestamps treated as zero",
			client: Syncable{},
			server: Syncable{UpdatedAt: 1},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.client.NewerThan(&tt.server); got != tt.want {
				t.Errorf("NewerThan() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyncable_ChangeTime(t *testing.T) {
	s := Syncable{UpdatedAt: 100, DeletedAt: 250}
	if got := s.ChangeTime(); got != 250 {
		t.Errorf("ChangeTime() = %d, want 250", got)
	}
	s = Syncable{UpdatedAt: 300, DeletedAt: 250}
	if got := s.ChangeTime(); got != 300 {
		t.Errorf("ChangeTime() = %d, want 300", got)
	}
}

func TestKind_KeyFields(t *testing.T) {
	// Every kind must declare its key fields, and the declared fields
	// must match what the entity's Key() is built from.
	for _, k := range Kinds() {
		if len(k.KeyFields()) == 0 {
			t.Errorf("kind %s has no key fields", k)
		}
	}

	note := &BookNote{NoteID: "n1", BookHash: "abc"}
	if got := note.Key(); got != "abc/n1" {
		t.Errorf("note key = %q, want %q", got, "abc/n1")
	}
	if fields := KindNotes.KeyFields(); len(fields) != 2 {
		t.Errorf("notes key fields = %v, want two fields", fields)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(string(k))
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", k, err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %q", k, got)
		}
	}

	if _, err := ParseKind("bookmarks"); err == nil {
		t.Error("ParseKind accepted unknown kind")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		data    string
		wantErr string
		wantKey string
	}{
		{
			name:    "book",
			kind:    KindBooks,
			data:    `{"book_hash":"abc","title":"T1","updated_at":100}`,
			wantKey: "abc",
		},
		{
			name:    "note composite key",
			kind:    KindNotes,
			data:    `{"book_hash":"abc","note_id":"n1","text":"hi"}`,
			wantKey: "abc/n1",
		},
		{
			name:    "book missing hash",
			kind:    KindBooks,
			data:    `{"title":"T1"}`,
			wantErr: "book_hash is required",
		},
		{
			name:    "note missing note id",
			kind:    KindNotes,
			data:    `{"book_hash":"abc"}`,
			wantErr: "note_id is required",
		},
		{
			name:    "malformed json",
			kind:    KindGoals,
			data:    `{`,
			wantErr: "invalid goals record",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Decode(tt.kind, "u1", json.RawMessage(tt.data))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if rec.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", rec.Key, tt.wantKey)
			}
			if rec.UserID != "u1" {
				t.Errorf("user = %q, want u1", rec.UserID)
			}
		})
	}
}

func TestDecode_OverridesWireUser(t *testing.T) {
	rec, err := Decode(KindBooks, "alice", json.RawMessage(`{"book_hash":"abc","user_id":"mallory"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if rec.UserID != "alice" {
		t.Errorf("user = %q, want alice", rec.UserID)
	}

	var book Book
	if err := json.Unmarshal(rec.Payload, &book); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if book.UserID != "alice" {
		t.Errorf("payload user = %q, want alice", book.UserID)
	}
}

func TestRecord_Stamp(t *testing.T) {
	rec, err := Decode(KindBooks, "u1", json.RawMessage(`{"book_hash":"abc","title":"T1"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if rec.UpdatedAt != 0 {
		t.Fatalf("fresh record has updated_at = %d", rec.UpdatedAt)
	}

	stamped, err := rec.Stamp(12345)
	if err != nil {
		t.Fatalf("Stamp failed: %v", err)
	}
	if stamped.UpdatedAt != 12345 {
		t.Errorf("stamped updated_at = %d, want 12345", stamped.UpdatedAt)
	}

	// Payload envelope must agree with the extracted column.
	var book Book
	if err := json.Unmarshal(stamped.Payload, &book); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if book.UpdatedAt != 12345 {
		t.Errorf("payload updated_at = %d, want 12345", book.UpdatedAt)
	}
	if book.Title != "T1" {
		t.Errorf("payload title = %q, want T1", book.Title)
	}
}

func TestRecord_WithDeletedAt(t *testing.T) {
	rec, err := Decode(KindBooks, "u1", json.RawMessage(`{"book_hash":"abc","updated_at":400}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	tombstoned, err := rec.WithDeletedAt(150)
	if err != nil {
		t.Fatalf("WithDeletedAt failed: %v", err)
	}
	if tombstoned.DeletedAt != 150 || tombstoned.UpdatedAt != 400 {
		t.Errorf("got (updated=%d, deleted=%d), want (400, 150)", tombstoned.UpdatedAt, tombstoned.DeletedAt)
	}

	var book Book
	if err := json.Unmarshal(tombstoned.Payload, &book); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if book.DeletedAt != 150 {
		t.Errorf("payload deleted_at = %d, want 150", book.DeletedAt)
	}
}

func TestMarkDeleted(t *testing.T) {
	var b Book
	b.BookHash = "abc"
	b.MarkDeleted()
	if !b.IsDeleted() {
		t.Error("record not marked deleted")
	}
	if b.UpdatedAt != b.DeletedAt {
		t.Errorf("updated_at %d != deleted_at %d after MarkDeleted", b.UpdatedAt, b.DeletedAt)
	}
}
