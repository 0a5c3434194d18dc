// Package metadata tracks per-archive bookkeeping: when a series was last
// brought up to date, what its archive holds, the outcome of every
// reconciliation cycle, and known gaps. It also hosts the SQLite ledger of
// failed re-fetch attempts that feeds the gap classifier's retry budget.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"barkeep/internal/domain"
)

// schemaVersion is written into every metadata document. Documents from a
// newer schema are rejected rather than partially understood.
const schemaVersion = 1

// historyCap bounds the download_history list; older entries roll off.
const historyCap = 100

// defaultHistoryStart is where backfills begin for intervals without an
// upstream lookback limit.
var defaultHistoryStart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// CycleRecord is one reconciliation cycle's outcome.
type CycleRecord struct {
	At        time.Time `json:"timestamp"`
	RowsAdded int       `json:"rows_added"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// ValidationSummary is the most recent validation verdict for the archive.
type ValidationSummary struct {
	Status        string    `json:"status"` // passed or failed
	IssuesCount   int       `json:"issues_count"`
	LastValidated time.Time `json:"last_validated"`
}

// ArchiveRange is the inclusive timestamp span the archive covers.
type ArchiveRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// GapEntry is a persisted gap classification.
type GapEntry struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Classification string    `json:"classification"`
	Reason         string    `json:"reason,omitempty"`
}

// SeriesMetadata is the JSON document kept alongside each archive.
type SeriesMetadata struct {
	Version   int       `json:"schema_version"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	CreatedAt time.Time `json:"created_at"`

	// LastUpdate is the instant of the last successful cycle. Failed cycles
	// never advance it, so the next cycle re-covers the same window.
	LastUpdate time.Time `json:"last_update,omitzero"`

	TotalRows  int                `json:"total_rows"`
	Range      *ArchiveRange      `json:"date_range,omitempty"`
	Validation *ValidationSummary `json:"validation,omitempty"`
	History    []CycleRecord      `json:"download_history"`
	Gaps       []GapEntry         `json:"gaps,omitempty"`
}

// Store persists one metadata document per (symbol, interval) under
// MetadataDir, mirroring the archive layout. Writes are atomic via temp file
// plus rename.
type Store struct {
	MetadataDir string

	mu     sync.Mutex
	inUse  map[domain.SeriesKey]bool
	update sync.Mutex // serializes read-modify-write of a document
}

// NewStore creates a Store rooted at metadataDir.
func NewStore(metadataDir string) *Store {
	return &Store{
		MetadataDir: metadataDir,
		inUse:       make(map[domain.SeriesKey]bool),
	}
}

func (s *Store) path(key domain.SeriesKey) string {
	sym := strings.NewReplacer("/", "_", "\\", "_", "^", "_").Replace(key.Symbol)
	return filepath.Join(s.MetadataDir, sym, string(key.Interval)+".json")
}

// Acquire claims exclusive reconciliation rights for key. It returns
// ok=false when another cycle holds the key; release must be called once
// the cycle finishes.
func (s *Store) Acquire(key domain.SeriesKey) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[key] {
		return nil, false
	}
	s.inUse[key] = true
	return func() {
		s.mu.Lock()
		delete(s.inUse, key)
		s.mu.Unlock()
	}, true
}

// Get loads the metadata document for key, or (nil, nil) when none exists.
func (s *Store) Get(_ context.Context, key domain.SeriesKey) (*SeriesMetadata, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var md SeriesMetadata
	if err := dec.Decode(&md); err != nil {
		return nil, fmt.Errorf("%w: metadata for %s: %v", domain.ErrValidation, key, err)
	}
	if md.Version > schemaVersion {
		return nil, fmt.Errorf("%w: metadata for %s: schema version %d is newer than %d",
			domain.ErrValidation, key, md.Version, schemaVersion)
	}
	return &md, nil
}

func (s *Store) put(key domain.SeriesKey, md *SeriesMetadata) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+string(key.Interval)+"-*.json.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// CycleOutcome carries what RecordCycle needs to fold into the document.
type CycleOutcome struct {
	At        time.Time
	Success   bool
	RowsAdded int
	Err       error

	// Verdict of the cycle's validation pass, nil when the cycle failed
	// before validating.
	Validation *ValidationSummary

	// KeepLastUpdate stops a successful outcome from advancing LastUpdate.
	// Gap repairs patch history inside the covered span; moving LastUpdate
	// forward would make the next incremental cycle skip the span between
	// the last full update and now.
	KeepLastUpdate bool

	// Archive shape after the cycle. Ignored on failure.
	TotalRows int
	Range     *ArchiveRange

	// Gaps is the fresh classification of the archive. It only replaces the
	// stored list when GapsChecked is set: a cycle that never reached gap
	// checking (an empty fetch, say) must not erase known gaps.
	GapsChecked bool
	Gaps        []domain.GapRecord
}

// RecordCycle folds a cycle outcome into the document for key and persists
// it. History is appended on success and failure alike, capped at the most
// recent entries; LastUpdate and the archive shape advance only on success.
func (s *Store) RecordCycle(ctx context.Context, key domain.SeriesKey, out CycleOutcome) error {
	s.update.Lock()
	defer s.update.Unlock()

	md, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if md == nil {
		md = &SeriesMetadata{
			Version:   schemaVersion,
			Symbol:    key.Symbol,
			Interval:  string(key.Interval),
			CreatedAt: out.At,
		}
	}

	rec := CycleRecord{At: out.At, Success: out.Success, RowsAdded: out.RowsAdded}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	md.History = append(md.History, rec)
	if len(md.History) > historyCap {
		md.History = md.History[len(md.History)-historyCap:]
	}

	if out.Validation != nil {
		md.Validation = out.Validation
	}
	if out.Success {
		if !out.KeepLastUpdate {
			md.LastUpdate = out.At
		}
		md.TotalRows = out.TotalRows
		md.Range = out.Range
		if out.GapsChecked {
			md.Gaps = md.Gaps[:0]
			for _, g := range out.Gaps {
				md.Gaps = append(md.Gaps, GapEntry{
					Start:          g.Start,
					End:            g.End,
					Classification: string(g.Classification),
					Reason:         g.Reason,
				})
			}
		}
	}

	return s.put(key, md)
}

// NextFetchStart decides where the next fetch window begins. Rolling
// intervals always re-cover the full upstream retention window. Otherwise
// the window resumes at the last successful update, clamped to the
// interval's lookback limit; a series never updated starts as far back as
// the upstream allows.
func (s *Store) NextFetchStart(ctx context.Context, key domain.SeriesKey, now time.Time) (time.Time, error) {
	iv := key.Interval
	horizon := defaultHistoryStart
	if d := iv.MaxLookbackDays(); d > 0 {
		horizon = now.AddDate(0, 0, -d)
	}
	if iv.Rolling() {
		return horizon, nil
	}

	md, err := s.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	if md == nil || md.LastUpdate.IsZero() {
		return horizon, nil
	}
	if md.LastUpdate.Before(horizon) {
		return horizon, nil
	}
	return md.LastUpdate, nil
}

// NeedsUpdate reports whether the series is due: never successfully
// updated, or last updated more than maxAge ago.
func (s *Store) NeedsUpdate(ctx context.Context, key domain.SeriesKey, maxAge time.Duration, now time.Time) (bool, error) {
	md, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if md == nil || md.LastUpdate.IsZero() {
		return true, nil
	}
	return now.Sub(md.LastUpdate) > maxAge, nil
}

// All returns every (symbol, interval) key with a metadata document, sorted
// by symbol then interval. Symbols come from the documents, not the
// sanitized directory names.
func (s *Store) All(ctx context.Context) ([]domain.SeriesKey, error) {
	entries, err := os.ReadDir(s.MetadataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []domain.SeriesKey
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.MetadataDir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			iv, err := domain.ParseInterval(strings.TrimSuffix(name, ".json"))
			if err != nil {
				continue
			}
			md, err := s.Get(ctx, domain.SeriesKey{Symbol: e.Name(), Interval: iv})
			if err != nil {
				return nil, err
			}
			sym := e.Name()
			if md != nil && md.Symbol != "" {
				sym = md.Symbol
			}
			keys = append(keys, domain.SeriesKey{Symbol: sym, Interval: iv})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Interval < keys[j].Interval
	})
	return keys, nil
}
