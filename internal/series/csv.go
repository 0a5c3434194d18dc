package series

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"barkeep/internal/domain"
)

var _ Store = (*CSVStore)(nil)

// csvHeader is the canonical column order. Files missing a column are
// rejected rather than guessed at.
var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// CSVStore keeps one CSV file per archive at
// <DataDir>/<SYMBOL>/<interval>.csv. Replace writes a temp file in the same
// directory and renames it over the target, so readers never observe a
// partially written archive. A per-key mutex serializes writers on the same
// archive; distinct archives proceed in parallel.
//
// When Backups is positive, each replace first copies the outgoing archive
// to a rotated <file>.<nanos>.bak so a bad upstream batch can be rolled back
// by hand.
type CSVStore struct {
	DataDir string
	Backups int

	mu    sync.Mutex
	locks map[domain.SeriesKey]*sync.Mutex
}

// NewCSVStore creates a CSVStore rooted at dataDir.
func NewCSVStore(dataDir string) *CSVStore {
	return &CSVStore{
		DataDir: dataDir,
		locks:   make(map[domain.SeriesKey]*sync.Mutex),
	}
}

func (s *CSVStore) path(key domain.SeriesKey) string {
	return filepath.Join(s.DataDir, sanitizeSymbol(key.Symbol), string(key.Interval)+".csv")
}

func (s *CSVStore) lock(key domain.SeriesKey) *sync.Mutex {
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
func (s *CSVStore) Exists(_ context.Context, key domain.SeriesKey) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Read loads the archive for key. A missing file is not an error: the
// series simply has no history yet.
func (s *CSVStore) Read(_ context.Context, key domain.SeriesKey) ([]domain.Bar, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: opening archive for %s: %v", domain.ErrPersistence, key, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(csvHeader)

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: archive %s: reading header: %v", domain.ErrValidation, key, err)
	}
	for i, want := range csvHeader {
		if header[i] != want {
			return nil, fmt.Errorf("%w: archive %s: column %d is %q, want %q",
				domain.ErrValidation, key, i, header[i], want)
		}
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: archive %s line %d: %v", domain.ErrValidation, key, line, err)
		}
		b, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: archive %s line %d: %v", domain.ErrValidation, key, line, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// Replace atomically rewrites the archive for key.
func (s *CSVStore) Replace(_ context.Context, key domain.SeriesKey, bars []domain.Bar) error {
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Dir(s.path(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, "."+string(key.Interval)+"-*.csv.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	for _, b := range bars {
		if err := w.Write(formatRow(b)); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	if err := backupArchive(s.path(key), s.Backups); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

// formatRow renders a bar as CSV fields. Prices use the shortest exact
// decimal form, timestamps RFC3339 with the bar's own offset, and null
// prices become empty fields.
func formatRow(b domain.Bar) []string {
	return []string{
		b.Timestamp.Format(time.RFC3339),
		formatPrice(b.Open),
		formatPrice(b.High),
		formatPrice(b.Low),
		formatPrice(b.Close),
		strconv.FormatInt(b.Volume, 10),
	}
}

func formatPrice(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseRow(rec []string) (domain.Bar, error) {
	ts, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return domain.Bar{}, fmt.Errorf("bad timestamp %q", rec[0])
	}
	open, err := parsePrice(rec[1])
	if err != nil {
		return domain.Bar{}, err
	}
	high, err := parsePrice(rec[2])
	if err != nil {
		return domain.Bar{}, err
	}
	low, err := parsePrice(rec[3])
	if err != nil {
		return domain.Bar{}, err
	}
	close, err := parsePrice(rec[4])
	if err != nil {
		return domain.Bar{}, err
	}
	vol, err := strconv.ParseInt(rec[5], 10, 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("bad volume %q", rec[5])
	}
	return domain.Bar{
		Timestamp: ts,
		Open:      open, High: high, Low: low, Close: close,
		Volume: vol,
	}, nil
}

func parsePrice(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad price %q", s)
	}
	return f, nil
}
