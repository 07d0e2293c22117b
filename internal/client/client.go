// Package client is the device-side HTTP client for the sync endpoint.
// It speaks the /sync wire protocol and nothing else; queueing,
// checkpoints, and scheduling live in the syncer package.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shelfsync/shelfsync/internal/record"
)

// ErrNotAuthenticated is returned when no bearer credential is
// available or the server rejects it. Callers should surface it rather
// than retry.
var ErrNotAuthenticated = errors.New("not authenticated")

// TokenSource supplies the bearer credential for each request, so
// callers can plug in static tokens or refreshing session stores.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the sync server, e.g. "http://localhost:7530".
	BaseURL string

	// Timeout per HTTP call (default: 8s). Timeouts are per call, not
	// per sync cycle; a multi-kind cycle issues independently timed
	// calls.
	Timeout time.Duration

	// Logger for client operations (default: log.Default()).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:7530",
		Timeout: 8 * time.Second,
		Logger:  log.Default(),
	}
}

// Client talks to one sync server on behalf of one device.
type Client struct {
	baseURL string
	token   TokenSource
	http    *http.Client
	logger  *log.Logger
}

// NewClient creates a sync protocol client.
func NewClient(config *Config, token TokenSource) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 8 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: config.Timeout},
		logger:  logger,
	}
}

// BaseURL returns the server base URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// PullOptions narrow a pull. Since is required (0 means everything);
// Kind empty means all kinds; BookHash/MetaHash scope to one book and
// match as an OR when both are set.
type PullOptions struct {
	Since    int64
	Kind     record.Kind
	BookHash string
	MetaHash string
}

// Pull fetches records changed strictly after opts.Since. The returned
// batch has a key per requested kind, empty list included.
func (c *Client) Pull(ctx context.Context, opts PullOptions) (record.Batch, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(opts.Since, 10))
	if opts.Kind != "" {
		q.Set("type", string(opts.Kind))
	}
	if opts.BookHash != "" {
		q.Set("book", opts.BookHash)
	}
	if opts.MetaHash != "" {
		q.Set("meta_hash", opts.MetaHash)
	}

	body, err := c.do(ctx, http.MethodGet, "/sync?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var batch record.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("invalid pull response: %w", err)
	}
	return batch, nil
}

// PushResult is the outcome of one push round trip. Records holds the
// authoritative post-resolution record for every accepted submission;
// callers must adopt those as their new local truth, the submitted
// versions are stale the moment the call returns. Errors maps kind to
// per-record failure messages for submissions that could not be
// processed at all.
type PushResult struct {
	Records record.Batch
	Errors  map[string][]string
}

// Failed reports whether any submitted record was rejected outright.
func (r *PushResult) Failed() bool { return len(r.Errors) > 0 }

// Push submits a batch of locally changed records. A non-nil error means
// the round trip itself failed and nothing should be dequeued; per-record
// failures come back inside the result instead.
func (c *Client) Push(ctx context.Context, batch record.Batch) (*PushResult, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push batch: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/sync", payload)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid push response: %w", err)
	}

	result := &PushResult{Records: record.Batch{}}
	for key, val := range raw {
		if key == "errors" {
			if err := json.Unmarshal(val, &result.Errors); err != nil {
				return nil, fmt.Errorf("invalid push response errors: %w", err)
			}
			continue
		}
		kind, err := record.ParseKind(key)
		if err != nil {
			// Servers may grow new kinds before clients do.
			c.logger.Printf("Ignoring unknown kind %q in push response", key)
			continue
		}
		var recs []json.RawMessage
		if err := json.Unmarshal(val, &recs); err != nil {
			return nil, fmt.Errorf("invalid push response for %s: %w", kind, err)
		}
		result.Records[kind] = recs
	}
	return result, nil
}

// Health reports whether the server answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// do runs one authenticated round trip and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain token: %w", err)
	}
	if tok == "" {
		// An empty bearer can only bounce; fail before the round trip.
		return nil, fmt.Errorf("no bearer token available: %w", ErrNotAuthenticated)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrNotAuthenticated
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sync request failed: %s", serverError(resp.StatusCode, data))
	}
	return data, nil
}

// serverError extracts the server's error message, falling back to the
// HTTP status when the body is not the expected shape.
func serverError(status int, body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return http.StatusText(status)
}
