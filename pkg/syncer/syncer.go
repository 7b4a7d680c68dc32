// Package syncer mirrors a local JSON file of records into a remote table.
//
// The file holds an array of entries:
//
//	[
//	  {"id": "rec123", "fields": {"name": "Alpha"}},
//	  {"fields": {"name": "new row"}}
//	]
//
// Entries without an id are created and the file is rewritten with the new ids.
// Entries whose fields changed since the last sync are updated, and ids that
// disappeared from the file are deleted remotely.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atomicdeploy/airexport/pkg/airtable"
	"github.com/atomicdeploy/airexport/pkg/watcher"
)

// RecordWriter is the subset of *airtable.Table the syncer needs
type RecordWriter interface {
	Name() string
	CreateRecord(ctx context.Context, fields map[string]any) (airtable.Record, error)
	UpdateRecord(ctx context.Context, id string, fields map[string]any) (airtable.Record, error)
	DeleteRecord(ctx context.Context, id string) (airtable.Record, error)
}

// Entry is one element of the sync file
type Entry struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

// Result describes one sync pass
type Result struct {
	Table   string
	Created []airtable.Record
	Updated []airtable.Record
	Deleted []string
	Errors  []error
}

// Changed reports whether the pass changed anything remotely
func (r Result) Changed() bool {
	return len(r.Created) > 0 || len(r.Updated) > 0 || len(r.Deleted) > 0
}

// Err joins the per-record errors, or returns nil
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Options configures a Syncer
type Options struct {
	Logger *zap.Logger
	// OnApply is called after every pass that changed something remotely
	OnApply func(Result)
}

// Syncer applies changes of one file to one table
type Syncer struct {
	table   RecordWriter
	path    string
	logger  *zap.Logger
	onApply func(Result)

	mu       sync.Mutex
	snapshot map[string]map[string]any
	loaded   bool

	// created records whose ids have not reached the file yet
	unwritten []Entry
	writeFile func(string, []Entry) error
}

// New creates a syncer for path; nothing is read until Load or Sync
func New(table RecordWriter, path string, opts Options) *Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		table:     table,
		path:      path,
		logger:    logger.With(zap.String("table", table.Name()), zap.String("file", filepath.Base(path))),
		onApply:   opts.OnApply,
		snapshot:  make(map[string]map[string]any),
		writeFile: WriteFile,
	}
}

// Load records the entries that already carry an id as the baseline.
// They are treated as in sync with the table.
func (s *Syncer) Load() error {
	entries, err := ReadFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unwritten = nil
	s.snapshot = make(map[string]map[string]any, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			s.snapshot[e.ID] = e.Fields
		}
	}
	s.loaded = true
	return nil
}

// Sync diffs the file against the last snapshot and applies the difference.
// Per-record failures are collected in Result.Errors and retried on the next pass;
// a file that cannot be read or parsed aborts the pass.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return Result{}, errors.New("sync file not loaded")
	}

	entries, err := ReadFile(s.path)
	if err != nil {
		return Result{}, err
	}

	res := Result{Table: s.table.Name()}
	seen := make(map[string]bool, len(entries))
	created := false

	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			if id, ok := s.claimUnwritten(e.Fields, seen); ok {
				e.ID = id
				seen[id] = true
				created = true
				continue
			}
			rec, err := s.table.CreateRecord(ctx, e.Fields)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("failed to create entry %d: %w", i, err))
				continue
			}
			e.ID = rec.ID
			s.snapshot[rec.ID] = e.Fields
			seen[rec.ID] = true
			created = true
			res.Created = append(res.Created, rec)
			continue
		}

		seen[e.ID] = true
		prev, known := s.snapshot[e.ID]
		changes := diffFields(prev, e.Fields)
		if known && len(changes) == 0 {
			continue
		}
		if !known {
			// an id the syncer has not seen: adopt the remote record with these fields
			changes = e.Fields
		}

		rec, err := s.table.UpdateRecord(ctx, e.ID, changes)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("failed to update %s: %w", e.ID, err))
			continue
		}
		s.snapshot[e.ID] = e.Fields
		res.Updated = append(res.Updated, rec)
	}

	for id := range s.snapshot {
		if seen[id] {
			continue
		}
		if _, err := s.table.DeleteRecord(ctx, id); err != nil {
			if !airtable.IsNotFound(err) {
				res.Errors = append(res.Errors, fmt.Errorf("failed to delete %s: %w", id, err))
				continue
			}
			s.logger.Debug("Record already gone", zap.String("id", id))
		}
		delete(s.snapshot, id)
		res.Deleted = append(res.Deleted, id)
	}

	if created {
		if err := s.writeFile(s.path, entries); err != nil {
			s.keepUnwritten(entries)
			s.logger.Warn("Created ids not written back; the next pass reuses them for entries with the same fields",
				zap.Int("records", len(s.unwritten)), zap.Error(err))
			res.Errors = append(res.Errors, err)
		} else {
			s.unwritten = nil
		}
	}

	s.logger.Info("🔄 Synced",
		zap.Int("created", len(res.Created)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("deleted", len(res.Deleted)),
		zap.Int("errors", len(res.Errors)),
	)
	for _, err := range res.Errors {
		s.logger.Error("Sync entry failed", zap.Error(err))
	}

	if res.Changed() && s.onApply != nil {
		s.onApply(res)
	}
	return res, nil
}

// claimUnwritten returns the id of an earlier created record whose id never
// reached the file and whose fields equal fields
func (s *Syncer) claimUnwritten(fields map[string]any, seen map[string]bool) (string, bool) {
	for _, u := range s.unwritten {
		if seen[u.ID] {
			continue
		}
		if _, tracked := s.snapshot[u.ID]; tracked && reflect.DeepEqual(u.Fields, fields) {
			return u.ID, true
		}
	}
	return "", false
}

// keepUnwritten remembers every tracked entry that the file on disk still lacks
func (s *Syncer) keepUnwritten(entries []Entry) {
	onDisk := make(map[string]bool)
	if current, err := ReadFile(s.path); err == nil {
		for _, e := range current {
			if e.ID != "" {
				onDisk[e.ID] = true
			}
		}
	}
	s.unwritten = s.unwritten[:0]
	for _, e := range entries {
		if _, tracked := s.snapshot[e.ID]; tracked && e.ID != "" && !onDisk[e.ID] {
			s.unwritten = append(s.unwritten, e)
		}
	}
}

// Watch loads the file, applies pending entries and re-syncs on every content change
// until ctx is cancelled.
func (s *Syncer) Watch(ctx context.Context, debounce time.Duration) error {
	if err := s.Load(); err != nil {
		return err
	}
	if _, err := s.Sync(ctx); err != nil {
		return err
	}

	fw, err := watcher.NewFileWatcher(s.logger)
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Watch(s.path, func(string) {
		if _, err := s.Sync(ctx); err != nil {
			s.logger.Error("Sync failed", zap.Error(err))
		}
	}, debounce); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	fw.Start()
	s.logger.Info("👀 Watching sync file")

	<-ctx.Done()
	return nil
}

// diffFields returns the fields of cur that differ from prev.
// Fields removed from cur are returned as nil so the remote side clears them.
func diffFields(prev, cur map[string]any) map[string]any {
	changes := make(map[string]any)
	for k, v := range cur {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			changes[k] = v
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			changes[k] = nil
		}
	}
	return changes
}

// ReadFile parses a sync file; duplicate ids are rejected
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse sync file %s: %w", filepath.Base(path), err)
	}

	ids := make(map[string]bool, len(entries))
	for i := range entries {
		if entries[i].Fields == nil {
			entries[i].Fields = map[string]any{}
		}
		id := entries[i].ID
		if id == "" {
			continue
		}
		if ids[id] {
			return nil, fmt.Errorf("duplicate id %s in sync file", id)
		}
		ids[id] = true
	}
	return entries, nil
}

// WriteFile atomically replaces path with entries
func WriteFile(path string, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sync file: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write sync file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write sync file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write sync file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace sync file: %w", err)
	}
	return nil
}
