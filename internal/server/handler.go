package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shelfsync/shelfsync/internal/record"
)

// ErrInvalidToken is returned by TokenValidator implementations when the
// presented credential does not map to a user.
var ErrInvalidToken = errors.New("invalid token")

// TokenValidator maps a bearer token to the owning user. Token issuance
// and session management live outside this server; it only needs the
// resulting identity to scope every operation.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// StaticTokens is a TokenValidator backed by a fixed token-to-user map,
// suitable for single-tenant deployments and tests.
type StaticTokens map[string]string

// Validate implements TokenValidator.
func (s StaticTokens) Validate(_ context.Context, token string) (string, error) {
	user, ok := s[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return user, nil
}

// Handler serves the /sync resource: GET pulls changes since a
// checkpoint, POST pushes a batch of records through the conflict
// resolver. Both verbs require a bearer credential.
type Handler struct {
	engine   *Engine
	resolver *Resolver
	auth     TokenValidator
	events   *Broadcaster
	logger   *log.Logger
}

// NewHandler creates the sync endpoint handler. events may be nil.
// If logger is nil, the default logger is used.
func NewHandler(engine *Engine, resolver *Resolver, auth TokenValidator, events *Broadcaster, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		engine:   engine,
		resolver: resolver,
		auth:     auth,
		events:   events,
		logger:   logger,
	}
}

// Register mounts the handler's routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sync", h.handleSync)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handlePull(w, r, userID)
	case http.MethodPost:
		h.handlePush(w, r, userID)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// authenticate resolves the bearer credential to a user. A missing or
// invalid credential answers 403 and returns ok=false; the error body is
// deliberately identical for both cases.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusForbidden, "Not authenticated")
		return "", false
	}

	userID, err := h.auth.Validate(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusForbidden, "Not authenticated")
		return "", false
	}
	return userID, true
}

// handlePull answers GET /sync.
//
// Pulls are all-or-nothing: a failure for any requested kind turns the
// whole response into a 500 describing every failed kind, so a caller can
// never mistake "books failed" for "books had zero changes". Responses
// are marked non-cacheable because their content depends entirely on the
// since parameter.
func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request, userID string) {
	start := time.Now()
	q := r.URL.Query()

	sinceStr := q.Get("since")
	if sinceStr == "" {
		writeError(w, http.StatusBadRequest, "missing since parameter")
		return
	}
	since, err := strconv.ParseInt(sinceStr, 10, 64)
	if err != nil || since < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since parameter %q", sinceStr))
		return
	}

	kinds := record.Kinds()
	if typeStr := q.Get("type"); typeStr != "" {
		kind, err := record.ParseKind(typeStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = []record.Kind{kind}
	}

	scope := Scope{
		BookHash: q.Get("book"),
		MetaHash: q.Get("meta_hash"),
	}

	resp := record.Batch{}
	byKind := make(map[string]int)
	total := 0
	var failures []string

	for _, kind := range kinds {
		recs, err := h.engine.QueryChanges(r.Context(), userID, kind, since, scope)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", kind, err))
			continue
		}

		// Requested kinds always get a key, empty list included, so the
		// client can tell "asked, got nothing" from "didn't ask".
		payloads := make([]json.RawMessage, 0, len(recs))
		for _, rec := range recs {
			payloads = append(payloads, rec.Payload)
		}
		resp[kind] = payloads
		byKind[string(kind)] = len(recs)
		total += len(recs)
	}

	if len(failures) > 0 {
		sort.Strings(failures)
		h.logger.Printf("Pull failed for user %s: %s", userID, strings.Join(failures, "; "))
		writeError(w, http.StatusInternalServerError, strings.Join(failures, "; "))
		return
	}

	h.events.Publish(EventPullComplete, PullEventData{
		UserID:  userID,
		Since:   since,
		ByKind:  byKind,
		Total:   total,
		Elapsed: time.Since(start),
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Printf("Failed to encode pull response: %v", err)
	}
}

// handlePush answers POST /sync.
//
// Pushes are per-record resilient, uniformly across kinds: each record
// runs through the conflict resolver independently, an isolated bad
// record lands in the response's errors map, and every other record in
// the batch still completes. The response carries the authoritative
// post-resolution record for every accepted submission; callers must
// adopt those records as their new local truth.
func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request, userID string) {
	var batch map[string][]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid push body: %v", err))
		return
	}

	// Reject unknown kinds before touching any record.
	kinds := make([]record.Kind, 0, len(batch))
	for kindStr := range batch {
		kind, err := record.ParseKind(kindStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}

	resp := record.Batch{}
	pushErrs := make(map[string][]string)
	var applied, rejected, failed int

	for _, kind := range kinds {
		raws := batch[string(kind)]
		resp[kind] = make([]json.RawMessage, 0, len(raws))

		for i, raw := range raws {
			rec, err := record.Decode(kind, userID, raw)
			if err != nil {
				pushErrs[string(kind)] = append(pushErrs[string(kind)], fmt.Sprintf("record %d: %v", i, err))
				failed++
				continue
			}

			authoritative, ok, err := h.resolver.Apply(r.Context(), rec)
			if err != nil {
				pushErrs[string(kind)] = append(pushErrs[string(kind)], fmt.Sprintf("record %d: %v", i, err))
				failed++
				continue
			}

			if ok {
				applied++
			} else {
				rejected++
				h.events.Publish(EventConflictResolved, map[string]string{
					"user_id": userID,
					"kind":    string(kind),
					"key":     rec.Key,
				})
			}
			resp.Add(kind, authoritative.Payload)
		}
	}

	h.events.Publish(EventPushComplete, PushEventData{
		UserID:   userID,
		Applied:  applied,
		Rejected: rejected,
		Failed:   failed,
	})

	out := make(map[string]interface{}, len(resp)+1)
	for kind, payloads := range resp {
		out[string(kind)] = payloads
	}
	if len(pushErrs) > 0 {
		out["errors"] = pushErrs
		h.logger.Printf("Push for user %s: %d applied, %d rejected, %d failed",
			userID, applied, rejected, failed)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Printf("Failed to encode push response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
