package series

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"barkeep/internal/domain"
)

var _ Store = (*ParquetStore)(nil)

// barRecord is the on-disk Parquet schema for one archive row.
type barRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// ParquetStore keeps one Parquet file per archive at
// <DataDir>/<SYMBOL>/<interval>.parquet. Same contract and atomicity as the
// CSV store; the format trades human readability for compact minute-level
// archives.
//
// Parquet's millisecond timestamps drop the source timezone, so bars read
// back carry UTC instants. That preserves identity (grid alignment and
// session mapping are done in the market timezone by the callers) but not
// the original rendering.
type ParquetStore struct {
	DataDir string
	Backups int

	mu    sync.Mutex
	locks map[domain.SeriesKey]*sync.Mutex
}

// NewParquetStore creates a ParquetStore rooted at dataDir.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{
		DataDir: dataDir,
		locks:   make(map[domain.SeriesKey]*sync.Mutex),
	}
}

func (s *ParquetStore) path(key domain.SeriesKey) string {
	return filepath.Join(s.DataDir, sanitizeSymbol(key.Symbol), string(key.Interval)+".parquet")
}

func (s *ParquetStore) lock(key domain.SeriesKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Exists reports whether an archive file is present for key.
func (s *ParquetStore) Exists(_ context.Context, key domain.SeriesKey) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Read loads the archive for key, or (nil, nil) when none exists.
func (s *ParquetStore) Read(_ context.Context, key domain.SeriesKey) ([]domain.Bar, error) {
	path := s.path(key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	records, err := parquet.ReadFile[barRecord](path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading archive for %s: %v", domain.ErrPersistence, key, err)
	}

	bars := make([]domain.Bar, 0, len(records))
	for _, r := range records {
		bars = append(bars, domain.Bar{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars, nil
}

// Replace atomically rewrites the archive for key.
func (s *ParquetStore) Replace(_ context.Context, key domain.SeriesKey, bars []domain.Bar) error {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Dir(s.path(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	records := make([]barRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, barRecord{
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	tmp, err := os.CreateTemp(dir, "."+string(key.Interval)+"-*.parquet.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if err := parquet.WriteFile(tmpName, records); err != nil {
		return fmt.Errorf("%w: writing archive for %s: %v", domain.ErrPersistence, key, err)
	}
	if err := backupArchive(s.path(key), s.Backups); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}
