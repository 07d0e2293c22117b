// Package archive exports and imports a user's library as JSONL, one
// record per line, for backups and moving a library between databases.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/shelfsync/shelfsync/internal/record"
	"github.com/shelfsync/shelfsync/internal/store"
)

// exportPageSize is how many rows are read from the store per page.
const exportPageSize = 500

// Line is one JSONL line: the kind tag plus the record payload.
type Line struct {
	Kind   record.Kind     `json:"kind"`
	Record json.RawMessage `json:"record"`
}

// Result summarizes an export or import run.
type Result struct {
	ByKind  map[record.Kind]int
	Total   int
	Skipped int
}

// Export writes every record of every kind for the user to w, newest
// first within each kind. Tombstones are included; an archive restored
// on another device must not resurrect deleted records.
func Export(ctx context.Context, st *store.Store, userID string, w io.Writer) (*Result, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	result := &Result{ByKind: make(map[record.Kind]int)}

	for _, kind := range record.Kinds() {
		for offset := 0; ; offset += exportPageSize {
			page, err := st.ListChanges(ctx, store.ChangeQuery{
				UserID: userID,
				Kind:   kind,
				Limit:  exportPageSize,
				Offset: offset,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to export %s records: %w", kind, err)
			}
			for _, rec := range page {
				if err := enc.Encode(Line{Kind: kind, Record: rec.Payload}); err != nil {
					return nil, fmt.Errorf("failed to write %s record %s: %w", kind, rec.Key, err)
				}
				result.ByKind[kind]++
				result.Total++
			}
			if len(page) < exportPageSize {
				break
			}
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush archive: %w", err)
	}
	return result, nil
}

// Import reads JSONL lines from r and applies them to the store under
// userID. Lines that cannot be parsed are skipped and counted, not
// fatal, so one corrupt line does not lose the rest of a backup.
// Records land via the same last-writer comparison a pull uses: an
// archived version older than the stored row is ignored.
func Import(ctx context.Context, st *store.Store, userID string, r io.Reader, logger *log.Logger) (*Result, error) {
	if logger == nil {
		logger = log.Default()
	}

	dec := json.NewDecoder(r)
	result := &Result{ByKind: make(map[record.Kind]int)}
	lineNum := 0

	for {
		var line Line
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid archive at line %d: %w", lineNum+1, err)
		}
		lineNum++

		rec, err := record.Decode(line.Kind, userID, line.Record)
		if err != nil {
			logger.Printf("WARNING: Skipping archive line %d: %v", lineNum, err)
			result.Skipped++
			continue
		}

		stored, err := st.Get(ctx, userID, rec.Kind, rec.Key)
		if err == nil {
			in, cur := rec.Envelope(), stored.Envelope()
			if !in.NewerThan(&cur) {
				result.Skipped++
				continue
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		if err := st.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to import %s record %s: %w", rec.Kind, rec.Key, err)
		}
		result.ByKind[rec.Kind]++
		result.Total++
	}

	return result, nil
}
