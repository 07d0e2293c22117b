package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shelfsync/shelfsync/internal/record"
)

func newTestHandler(t *testing.T) *httptest.Server {
	t.Helper()

	st := openTestStore(t)
	handler := NewHandler(
		NewEngine(st, nil),
		NewResolver(st, nil),
		StaticTokens{"tok-alice": "alice", "tok-bob": "bob"},
		nil, nil,
	)
	mux := http.NewServeMux()
	handler.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doSync(t *testing.T, srv *httptest.Server, method, token, query, body string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	url := srv.URL + "/sync"
	if query != "" {
		url += "?" + query
	}
	var rdr *strings.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	} else {
		rdr = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
	return resp, decoded
}

func countRecords(t *testing.T, body map[string]json.RawMessage, kind string) int {
	t.Helper()

	raw, ok := body[kind]
	if !ok {
		t.Fatalf("response has no %q key", kind)
	}
	var recs []json.RawMessage
	if err := json.Unmarshal(raw, &recs); err != nil {
		t.Fatalf("Failed to decode %s list: %v", kind, err)
	}
	return len(recs)
}

func TestSync_AuthRequired(t *testing.T) {
	srv := newTestHandler(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"unknown token", "tok-mallory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doSync(t, srv, http.MethodGet, tt.token, "since=0", "")
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("got status %d, want 403", resp.StatusCode)
			}
			var errMsg string
			if err := json.Unmarshal(body["error"], &errMsg); err != nil || errMsg != "Not authenticated" {
				t.Errorf("got error %q, want the uniform auth message", errMsg)
			}
		})
	}
}

func TestSync_MethodNotAllowed(t *testing.T) {
	srv := newTestHandler(t)

	resp, _ := doSync(t, srv, http.MethodDelete, "tok-alice", "", "{}")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "GET, POST" {
		t.Errorf("got Allow %q, want \"GET, POST\"", allow)
	}
}

func TestPull_SinceValidation(t *testing.T) {
	srv := newTestHandler(t)

	tests := []struct {
		name  string
		query string
	}{
		{"missing", ""},
		{"non-numeric", "since=yesterday"},
		{"negative", "since=-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doSync(t, srv, http.MethodGet, "tok-alice", tt.query, "")
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", resp.StatusCode)
			}
			// Error responses for since-parameterized URLs must not be
			// cacheable either.
			if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
				t.Errorf("got Cache-Control %q, want no-store", cc)
			}
		})
	}
}

func TestPull_UnknownType(t *testing.T) {
	srv := newTestHandler(t)

	resp, _ := doSync(t, srv, http.MethodGet, "tok-alice", "since=0&type=bookmarks", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", resp.StatusCode)
	}
}

func TestPull_EmptyStore(t *testing.T) {
	srv := newTestHandler(t)

	resp, body := doSync(t, srv, http.MethodGet, "tok-alice", "since=0", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("got Cache-Control %q, want no-store", cc)
	}

	// Every kind is present as an explicit empty list.
	for _, kind := range record.Kinds() {
		if n := countRecords(t, body, string(kind)); n != 0 {
			t.Errorf("%s: got %d records from empty store", kind, n)
		}
	}
}

func TestPull_SingleTypeOmitsOthers(t *testing.T) {
	srv := newTestHandler(t)

	resp, body := doSync(t, srv, http.MethodGet, "tok-alice", "since=0&type=books", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if _, ok := body["books"]; !ok {
		t.Error("requested kind missing from response")
	}
	if _, ok := body["notes"]; ok {
		t.Error("unrequested kind present in response")
	}
}

func TestPush_InvalidBody(t *testing.T) {
	srv := newTestHandler(t)

	resp, _ := doSync(t, srv, http.MethodPost, "tok-alice", "", "not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", resp.StatusCode)
	}
}

func TestPush_UnknownKindRejectsWholeBatch(t *testing.T) {
	srv := newTestHandler(t)

	body := `{"bookmarks": [{"book_hash": "h", "updated_at": 1}]}`
	resp, _ := doSync(t, srv, http.MethodPost, "tok-alice", "", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", resp.StatusCode)
	}
}

func TestPush_BadRecordDoesNotSinkBatch(t *testing.T) {
	srv := newTestHandler(t)

	// Second record is missing its primary key; the first and third
	// still land.
	body := `{"books": [
		{"book_hash": "h1", "updated_at": 100},
		{"title": "keyless"},
		{"book_hash": "h3", "updated_at": 100}
	]}`
	resp, decoded := doSync(t, srv, http.MethodPost, "tok-alice", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200 with per-record errors", resp.StatusCode)
	}
	if n := countRecords(t, decoded, "books"); n != 2 {
		t.Errorf("got %d accepted records, want 2", n)
	}

	var pushErrs map[string][]string
	if err := json.Unmarshal(decoded["errors"], &pushErrs); err != nil {
		t.Fatalf("Failed to decode errors map: %v", err)
	}
	if len(pushErrs["books"]) != 1 || !strings.Contains(pushErrs["books"][0], "record 1") {
		t.Errorf("got errors %v, want one entry naming record 1", pushErrs["books"])
	}

	_, pulled := doSync(t, srv, http.MethodGet, "tok-alice", "since=0&type=books", "")
	if n := countRecords(t, pulled, "books"); n != 2 {
		t.Errorf("store holds %d books, want 2", n)
	}
}

func TestPush_CleanBatchHasNoErrorsKey(t *testing.T) {
	srv := newTestHandler(t)

	body := `{"goals": [{"goal_id": "g1", "period": "weekly", "target": 300, "unit": "minutes", "updated_at": 100}]}`
	resp, decoded := doSync(t, srv, http.MethodPost, "tok-alice", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if _, ok := decoded["errors"]; ok {
		t.Error("clean push carries an errors key")
	}
}

func TestPush_IgnoresWireUserID(t *testing.T) {
	srv := newTestHandler(t)

	// A record claiming another owner is filed under the authenticated
	// user regardless.
	body := `{"books": [{"user_id": "bob", "book_hash": "h1", "updated_at": 100}]}`
	resp, _ := doSync(t, srv, http.MethodPost, "tok-alice", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	_, alice := doSync(t, srv, http.MethodGet, "tok-alice", "since=0&type=books", "")
	if n := countRecords(t, alice, "books"); n != 1 {
		t.Errorf("alice sees %d books, want 1", n)
	}
	_, bob := doSync(t, srv, http.MethodGet, "tok-bob", "since=0&type=books", "")
	if n := countRecords(t, bob, "books"); n != 0 {
		t.Errorf("bob sees %d books, want 0", n)
	}
}

// TestSync_TwoDevices walks one record through a full conflict cycle:
// device A creates it, device B edits it later, device A deletes it with
// an older edit clock, and the deletion prevails everywhere.
func TestSync_TwoDevices(t *testing.T) {
	srv := newTestHandler(t)

	push := func(body string) map[string]json.RawMessage {
		resp, decoded := doSync(t, srv, http.MethodPost, "tok-alice", "", body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("push got status %d, want 200", resp.StatusCode)
		}
		return decoded
	}

	// Device A creates the book.
	push(`{"books": [{"book_hash": "h1", "title": "First Draft", "updated_at": 1000}]}`)

	// Device B pulls from zero and sees it.
	_, pulled := doSync(t, srv, http.MethodGet, "tok-alice", "since=0&type=books", "")
	if n := countRecords(t, pulled, "books"); n != 1 {
		t.Fatalf("device B pulled %d books, want 1", n)
	}

	// Device B edits at t=2000.
	push(`{"books": [{"book_hash": "h1", "title": "Second Draft", "current_page": 40, "updated_at": 2000}]}`)

	// Device A, unaware of B's edit, deletes at t=1500. Deletion time
	// outranks the newer edit.
	decoded := push(`{"books": [{"book_hash": "h1", "updated_at": 1500, "deleted_at": 1500}]}`)

	var books []json.RawMessage
	if err := json.Unmarshal(decoded["books"], &books); err != nil || len(books) != 1 {
		t.Fatalf("push response: %v (%d books)", err, len(books))
	}
	var authoritative record.Book
	if err := json.Unmarshal(books[0], &authoritative); err != nil {
		t.Fatalf("Failed to decode authoritative record: %v", err)
	}
	if authoritative.DeletedAt != 1500 {
		t.Errorf("authoritative deleted_at=%d, want 1500", authoritative.DeletedAt)
	}

	// A later pull from B's checkpoint surfaces the tombstone.
	_, pulled = doSync(t, srv, http.MethodGet, "tok-alice",
		fmt.Sprintf("since=%d&type=books", 1400), "")
	raw, _ := pulled["books"]
	var recs []record.Book
	if err := json.Unmarshal(raw, &recs); err != nil {
		t.Fatalf("Failed to decode pulled books: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("pulled %d books, want the tombstone", len(recs))
	}
	if recs[0].DeletedAt != 1500 {
		t.Errorf("pulled deleted_at=%d, want 1500", recs[0].DeletedAt)
	}

	// Re-pushing B's lost edit does not revive the book.
	push(`{"books": [{"book_hash": "h1", "title": "Second Draft", "updated_at": 2000}]}`)
	_, pulled = doSync(t, srv, http.MethodGet, "tok-alice", "since=0&type=books", "")
	if err := json.Unmarshal(pulled["books"], &recs); err != nil {
		t.Fatalf("Failed to decode pulled books: %v", err)
	}
	if len(recs) != 1 || recs[0].DeletedAt != 1500 {
		t.Errorf("tombstone not preserved after replayed edit: %+v", recs)
	}
}

func TestPull_ScopeFilter(t *testing.T) {
	srv := newTestHandler(t)

	body := `{"notes": [
		{"note_id": "n1", "book_hash": "hashX", "text": "a", "updated_at": 100},
		{"note_id": "n2", "book_hash": "other", "meta_hash": "metaY", "text": "b", "updated_at": 100},
		{"note_id": "n3", "book_hash": "unrelated", "text": "c", "updated_at": 100}
	]}`
	resp, _ := doSync(t, srv, http.MethodPost, "tok-alice", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("push got status %d, want 200", resp.StatusCode)
	}

	_, pulled := doSync(t, srv, http.MethodGet, "tok-alice",
		"since=0&type=notes&book=hashX&meta_hash=metaY", "")
	if n := countRecords(t, pulled, "notes"); n != 2 {
		t.Errorf("scoped pull returned %d notes, want the union of 2", n)
	}
}
