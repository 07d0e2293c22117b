package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shelfsync/shelfsync/internal/record"
	"github.com/shelfsync/shelfsync/internal/store"
)

// keySeparator replaces '/' in composite record keys so they are usable
// as file names (notes: <book_hash>__<note_id>.json).
const keySeparator = "__"

// WatcherConfig holds spool watcher configuration.
type WatcherConfig struct {
	// DebounceInterval batches rapid writes to the same file
	// (default: 200ms). Editors and the reading app often write a
	// spool file in several chunks.
	DebounceInterval time.Duration

	// Logger for watcher activity (default: "[spool]"-prefixed stderr).
	Logger *log.Logger
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Watcher feeds the push queue from a spool directory.
//
// The reading app drops record JSON files under <spool>/<kind>/, one
// file per record, named after the record key. A created or rewritten
// file is queued for the next push; a removed file queues a tombstone
// for the record it named.
type Watcher struct {
	session *Session
	spool   string
	config  *WatcherConfig
	logger  *log.Logger

	watcher *fsnotify.Watcher

	pending   map[string]time.Time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a spool watcher over the given directory, creating
// the per-kind subdirectories if needed.
func NewWatcher(session *Session, spool string, config *WatcherConfig) (*Watcher, error) {
	if config == nil {
		config = DefaultWatcherConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	for _, kind := range record.Kinds() {
		if err := os.MkdirAll(filepath.Join(spool, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory for %s: %w", kind, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		session: session,
		spool:   spool,
		config:  config,
		logger:  logger,
		watcher: fsw,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins watching the spool. It drains any files already present,
// so records spooled while the agent was down are not lost.
func (w *Watcher) Start() error {
	for _, kind := range record.Kinds() {
		dir := filepath.Join(w.spool, string(kind))
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch spool directory %s: %w", dir, err)
		}
	}

	if err := w.drainExisting(); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Printf("Watching spool directory %s", w.spool)
	return nil
}

// Stop stops the watcher and waits for in-flight event handling.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// drainExisting queues every spool file present at startup.
func (w *Watcher) drainExisting() error {
	for _, kind := range record.Kinds() {
		dir := filepath.Join(w.spool, string(kind))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read spool directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := w.ingestFile(path); err != nil {
				w.logger.Printf("WARNING: Failed to ingest spooled file %s: %v", entry.Name(), err)
			}
		}
	}
	return nil
}

// processEvents is the watch loop: write events are debounced into the
// pending set, removes queue tombstones immediately, and a ticker
// flushes settled files.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.pendingMu.Lock()
				w.pending[event.Name] = time.Now()
				w.pendingMu.Unlock()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.pendingMu.Lock()
				delete(w.pending, event.Name)
				w.pendingMu.Unlock()
				if err := w.tombstoneFile(event.Name); err != nil {
					w.logger.Printf("WARNING: Failed to queue tombstone for %s: %v", filepath.Base(event.Name), err)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watch error: %v", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending ingests files whose last write has settled.
func (w *Watcher) flushPending() {
	cutoff := time.Now().Add(-w.config.DebounceInterval)

	w.pendingMu.Lock()
	var ready []string
	for path, touched := range w.pending {
		if touched.Before(cutoff) {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	for _, path := range ready {
		if err := w.ingestFile(path); err != nil {
			w.logger.Printf("WARNING: Failed to ingest spooled file %s: %v", filepath.Base(path), err)
		}
	}
}

// ingestFile reads one spool file and queues its record for push.
func (w *Watcher) ingestFile(path string) error {
	kind, err := w.kindOf(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed between the event and the flush; the remove
			// event handles it.
			return nil
		}
		return err
	}

	rec, err := record.Decode(kind, w.session.userID, json.RawMessage(data))
	if err != nil {
		return err
	}
	if rec.UpdatedAt == 0 {
		rec, err = rec.Stamp(record.NowMillis())
		if err != nil {
			return err
		}
	}

	if err := w.session.Enqueue(w.ctx, rec); err != nil {
		return err
	}
	w.logger.Printf("Queued %s record %s", kind, rec.Key)
	return nil
}

// tombstoneFile queues a deletion for the record a removed spool file
// named. Unknown keys are ignored: the file never made it into the
// local store, so there is nothing to propagate.
func (w *Watcher) tombstoneFile(path string) error {
	kind, err := w.kindOf(path)
	if err != nil {
		return err
	}
	key := strings.TrimSuffix(filepath.Base(path), ".json")
	key = strings.ReplaceAll(key, keySeparator, "/")

	rec, err := w.session.store.Get(w.ctx, w.session.userID, kind, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.DeletedAt != 0 {
		return nil
	}

	ent, err := rec.Entity()
	if err != nil {
		return err
	}
	ent.Envelope().MarkDeleted()
	tombstone, err := record.FromEntity(ent)
	if err != nil {
		return err
	}

	if err := w.session.Enqueue(w.ctx, tombstone); err != nil {
		return err
	}
	w.logger.Printf("Queued %s tombstone %s", kind, key)
	return nil
}

// kindOf maps a spool file path to its kind by parent directory.
func (w *Watcher) kindOf(path string) (record.Kind, error) {
	return record.ParseKind(filepath.Base(filepath.Dir(path)))
}
