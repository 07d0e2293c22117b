package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/client"
	"github.com/shelfsync/shelfsync/internal/record"
	"github.com/shelfsync/shelfsync/internal/store"
)

// Options holds session tuning knobs.
type Options struct {
	// StaleAfter is the checkpoint age past which a full resync is
	// forced (default: 72h). A device offline longer than this may have
	// missed garbage-collected tombstones, so it starts over from 0.
	StaleAfter time.Duration

	// Overlap is rolled back from the checkpoint on every cycle
	// (default: 24h) so records stamped by a device with a slow clock
	// are not skipped. Re-pulling the window is safe: applying a record
	// the device already has is a no-op.
	Overlap time.Duration

	// BatchSize caps records per push request (default: 100).
	BatchSize int

	// Logger for sync activity (default: "[sync]"-prefixed stderr).
	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		StaleAfter: 72 * time.Hour,
		Overlap:    24 * time.Hour,
		BatchSize:  100,
		Logger:     log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Session runs sync cycles for one user's device against one server.
//
// Cycles are single-flight per kind: a pull or push for a kind must not
// overlap another in-flight cycle for the same kind on this device, or
// the two would race on the checkpoint. The busy flags live on the
// session, so two sessions over different device stores do not serialize
// against each other.
type Session struct {
	store  *store.Store
	client *client.Client
	userID string
	opts   *Options
	logger *log.Logger

	mu   sync.Mutex
	busy map[record.Kind]bool

	now func() int64
}

// NewSession creates a sync session over the device-local store.
func NewSession(st *store.Store, cl *client.Client, userID string, opts *Options) *Session {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 72 * time.Hour
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Session{
		store:  st,
		client: cl,
		userID: userID,
		opts:   opts,
		logger: logger,
		busy:   make(map[record.Kind]bool),
		now:    record.NowMillis,
	}
}

// UserID returns the user this session files records under.
func (s *Session) UserID() string { return s.userID }

// Enqueue queues a locally created, edited, or deleted record for the
// next push. The record is also applied to the local store so reads see
// it immediately.
func (s *Session) Enqueue(ctx context.Context, rec record.Record) error {
	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to apply %s record locally: %w", rec.Kind, err)
	}
	if err := s.store.EnqueuePush(ctx, rec.Kind, rec.Payload); err != nil {
		return fmt.Errorf("failed to queue %s record: %w", rec.Kind, err)
	}
	return nil
}

// Apply writes pulled wire records into the local store without
// touching checkpoints, for callers doing an explicit out-of-band pull.
// It returns the number of records applied; unreadable records are
// skipped with a warning.
func (s *Session) Apply(ctx context.Context, kind record.Kind, raws []json.RawMessage) (int, error) {
	applied := 0
	for _, raw := range raws {
		rec, err := record.Decode(kind, s.userID, raw)
		if err != nil {
			s.logger.Printf("WARNING: Skipping unreadable %s record: %v", kind, err)
			continue
		}
		if err := s.store.Put(ctx, rec); err != nil {
			return applied, fmt.Errorf("failed to apply %s record %s: %w", kind, rec.Key, err)
		}
		applied++
	}
	return applied, nil
}

// SyncAll runs one cycle for every kind. Kind failures are collected;
// one kind failing does not stop the others.
func (s *Session) SyncAll(ctx context.Context) error {
	var failed []string
	for _, kind := range record.Kinds() {
		if err := s.SyncKind(ctx, kind); err != nil {
			s.logger.Printf("Sync failed for %s: %v", kind, err)
			failed = append(failed, string(kind))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("sync failed for %d of %d kinds", len(failed), len(record.Kinds()))
	}
	return nil
}

// SyncKind runs one pull-then-push cycle for a single kind. An
// overlapping cycle for the same kind is skipped, not queued.
func (s *Session) SyncKind(ctx context.Context, kind record.Kind) error {
	if !s.acquire(kind) {
		s.logger.Printf("Skipping %s sync: cycle already in flight", kind)
		return nil
	}
	defer s.release(kind)

	if err := s.pull(ctx, kind); err != nil {
		return err
	}
	return s.push(ctx, kind)
}

// pull fetches changes since the adjusted checkpoint, applies them
// locally, and advances the checkpoint to the newest change time seen.
func (s *Session) pull(ctx context.Context, kind record.Kind) error {
	checkpoint, err := s.store.Checkpoint(ctx, kind)
	if err != nil {
		return fmt.Errorf("failed to load %s checkpoint: %w", kind, err)
	}
	since := s.adjustCheckpoint(kind, checkpoint)

	batch, err := s.client.Pull(ctx, client.PullOptions{Since: since, Kind: kind})
	if err != nil {
		return fmt.Errorf("pull failed for %s: %w", kind, err)
	}

	var applied int
	maxSeen := checkpoint
	for _, raw := range batch[kind] {
		rec, err := record.Decode(kind, s.userID, raw)
		if err != nil {
			// A record the server accepted but this device cannot parse
			// is skipped; everything else still lands.
			s.logger.Printf("WARNING: Skipping unreadable pulled %s record: %v", kind, err)
			continue
		}
		if err := s.store.Put(ctx, rec); err != nil {
			return fmt.Errorf("failed to apply pulled %s record %s: %w", kind, rec.Key, err)
		}
		if ct := rec.ChangeTime(); ct > maxSeen {
			maxSeen = ct
		}
		applied++
	}

	if maxSeen > checkpoint {
		if err := s.store.SetCheckpoint(ctx, kind, maxSeen); err != nil {
			return fmt.Errorf("failed to advance %s checkpoint: %w", kind, err)
		}
	}
	if applied > 0 {
		s.logger.Printf("Pulled %d %s records (checkpoint %d -> %d)", applied, kind, checkpoint, maxSeen)
	}
	return nil
}

// push flushes the kind's queued records in batches. An entry is
// dequeued only once the server echoes an authoritative version of its
// record, so an interrupted push or a per-record server failure leaves
// the entry queued for the next cycle; re-delivery is safe because the
// upsert is idempotent. Queued payloads that cannot decode at all can
// never succeed and are dropped so they do not wedge the queue.
func (s *Session) push(ctx context.Context, kind record.Kind) error {
	queued, err := s.store.PendingPush(ctx, kind)
	if err != nil {
		return fmt.Errorf("failed to read %s push queue: %w", kind, err)
	}
	if len(queued) == 0 {
		return nil
	}

	for start := 0; start < len(queued); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(queued) {
			end = len(queued)
		}
		chunk := queued[start:end]

		batch := record.Batch{}
		for _, q := range chunk {
			batch.Add(kind, q.Payload)
		}

		result, err := s.client.Push(ctx, batch)
		if err != nil {
			return fmt.Errorf("push failed for %s: %w", kind, err)
		}
		if result.Failed() {
			for _, msg := range result.Errors[string(kind)] {
				s.logger.Printf("WARNING: Server could not process queued %s record: %s", kind, msg)
			}
		}

		// Adopt the authoritative versions; the queued copies are
		// stale the moment the push returns.
		confirmed := make(map[string]bool, len(result.Records[kind]))
		for _, raw := range result.Records[kind] {
			rec, err := record.Decode(kind, s.userID, raw)
			if err != nil {
				s.logger.Printf("WARNING: Skipping unreadable authoritative %s record: %v", kind, err)
				continue
			}
			if err := s.store.Put(ctx, rec); err != nil {
				return fmt.Errorf("failed to adopt authoritative %s record %s: %w", kind, rec.Key, err)
			}
			confirmed[rec.Key] = true
		}

		// Dequeue only the entries the server confirmed; anything in the
		// errors map was not echoed and stays queued for the next cycle.
		done := make([]int64, 0, len(chunk))
		retained := 0
		for _, q := range chunk {
			rec, err := record.Decode(kind, s.userID, q.Payload)
			if err != nil {
				s.logger.Printf("WARNING: Dropping unreadable queued %s record: %v", kind, err)
				done = append(done, q.ID)
				continue
			}
			if confirmed[rec.Key] {
				done = append(done, q.ID)
				continue
			}
			retained++
		}
		if retained > 0 {
			s.logger.Printf("WARNING: %d queued %s records not confirmed, kept for retry", retained, kind)
		}
		if len(done) > 0 {
			if err := s.store.DequeuePush(ctx, done); err != nil {
				return fmt.Errorf("failed to clear %s push queue: %w", kind, err)
			}
		}
		s.logger.Printf("Pushed %d of %d queued %s records", len(confirmed), len(chunk), kind)
	}
	return nil
}

// adjustCheckpoint applies the staleness and clock-skew policy: a
// checkpoint older than StaleAfter forces a full resync from 0, any
// other non-zero checkpoint is rolled back by Overlap.
func (s *Session) adjustCheckpoint(kind record.Kind, checkpoint int64) int64 {
	if checkpoint == 0 {
		return 0
	}
	nowMs := s.now()
	if nowMs-checkpoint > s.opts.StaleAfter.Milliseconds() {
		s.logger.Printf("Checkpoint for %s is stale, forcing full resync", kind)
		return 0
	}
	since := checkpoint - s.opts.Overlap.Milliseconds()
	if since < 0 {
		since = 0
	}
	return since
}

// PendingCounts reports queued-for-push record counts per kind.
func (s *Session) PendingCounts(ctx context.Context) (map[record.Kind]int, error) {
	return s.store.PendingPushCount(ctx)
}

// Checkpoints reports the stored checkpoint per kind.
func (s *Session) Checkpoints(ctx context.Context) (map[record.Kind]int64, error) {
	out := make(map[record.Kind]int64, len(record.Kinds()))
	for _, kind := range record.Kinds() {
		cp, err := s.store.Checkpoint(ctx, kind)
		if err != nil {
			return nil, err
		}
		out[kind] = cp
	}
	return out, nil
}

func (s *Session) acquire(kind record.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[kind] {
		return false
	}
	s.busy[kind] = true
	return true
}

func (s *Session) release(kind record.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[kind] = false
}
