package series

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"barkeep/internal/domain"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func testBars() []domain.Bar {
	return []domain.Bar{
		{
			Timestamp: time.Date(2024, 6, 3, 9, 15, 0, 0, ist),
			Open:      2500.05, High: 2501.5, Low: 2499, Close: 2500.75,
			Volume: 12345,
		},
		{
			Timestamp: time.Date(2024, 6, 3, 9, 16, 0, 0, ist),
			Open:      2500.75, High: 2502, Low: 2500.1, Close: 2501.3,
			Volume: 8_900,
		},
	}
}

// Both backends honor the same contract, so the shared cases run against each.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"csv":     NewCSVStore(t.TempDir()),
		"parquet": NewParquetStore(t.TempDir()),
	}
}

func TestReadMissingArchive(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			bars, err := s.Read(context.Background(), domain.SeriesKey{Symbol: "RELIANCE.NS", Interval: domain.Interval1d})
			if err != nil {
				t.Fatalf("missing archive must not error: %v", err)
			}
			if bars != nil {
				t.Errorf("missing archive returned %d bars, want nil", len(bars))
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	key := domain.SeriesKey{Symbol: "RELIANCE.NS", Interval: domain.Interval1m}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := testBars()
			if err := s.Replace(ctx, key, want); err != nil {
				t.Fatal(err)
			}

			ok, err := s.Exists(ctx, key)
			if err != nil || !ok {
				t.Fatalf("Exists = %v, %v after Replace", ok, err)
			}

			got, err := s.Read(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(want) {
				t.Fatalf("got %d bars, want %d", len(got), len(want))
			}
			for i := range want {
				if !got[i].Timestamp.Equal(want[i].Timestamp) {
					t.Errorf("bar %d timestamp = %v, want %v", i, got[i].Timestamp, want[i].Timestamp)
				}
				if got[i].Open != want[i].Open || got[i].Close != want[i].Close ||
					got[i].High != want[i].High || got[i].Low != want[i].Low ||
					got[i].Volume != want[i].Volume {
					t.Errorf("bar %d = %+v, want %+v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestReplaceOverwrites(t *testing.T) {
	key := domain.SeriesKey{Symbol: "TCS.NS", Interval: domain.Interval1d}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Replace(ctx, key, testBars()); err != nil {
				t.Fatal(err)
			}
			if err := s.Replace(ctx, key, testBars()[:1]); err != nil {
				t.Fatal(err)
			}
			got, err := s.Read(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d bars after overwrite, want 1", len(got))
			}
		})
	}
}

func TestNullPricesSurvive(t *testing.T) {
	key := domain.SeriesKey{Symbol: "INFY.NS", Interval: domain.Interval1m}
	bars := testBars()
	bars[0].Close = math.NaN()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Replace(ctx, key, bars); err != nil {
				t.Fatal(err)
			}
			got, err := s.Read(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			if !math.IsNaN(got[0].Close) {
				t.Errorf("null close read back as %v, want NaN", got[0].Close)
			}
			if got[1].Close != bars[1].Close {
				t.Errorf("non-null close corrupted: %v", got[1].Close)
			}
		})
	}
}

func TestCSVFileLayout(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVStore(dir)
	key := domain.SeriesKey{Symbol: "BRK/B", Interval: domain.Interval1d}

	if err := s.Replace(context.Background(), key, testBars()); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "BRK_B", "1d.csv")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected archive at %s: %v", path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "timestamp,open,high,low,close,volume" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Errorf("got %d lines, want header plus 2 rows", len(lines))
	}
	if !strings.HasPrefix(lines[1], "2024-06-03T09:15:00+05:30,2500.05,") {
		t.Errorf("row 1 = %q", lines[1])
	}

	// No stray temp files after a successful write.
	entries, err := os.ReadDir(filepath.Join(dir, "BRK_B"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("archive dir has %d entries, want 1", len(entries))
	}
}

func TestCSVRejectsWrongHeader(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVStore(dir)
	key := domain.SeriesKey{Symbol: "X", Interval: domain.Interval1d}

	if err := os.MkdirAll(filepath.Join(dir, "X"), 0o755); err != nil {
		t.Fatal(err)
	}
	bad := "date,open,high,low,close,volume\n2024-06-03T09:15:00+05:30,1,2,0.5,1.5,10\n"
	if err := os.WriteFile(filepath.Join(dir, "X", "1d.csv"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Read(context.Background(), key)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCSVRejectsMalformedRow(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVStore(dir)
	key := domain.SeriesKey{Symbol: "X", Interval: domain.Interval1d}

	if err := os.MkdirAll(filepath.Join(dir, "X"), 0o755); err != nil {
		t.Fatal(err)
	}
	bad := "timestamp,open,high,low,close,volume\nnot-a-time,1,2,0.5,1.5,10\n"
	if err := os.WriteFile(filepath.Join(dir, "X", "1d.csv"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Read(context.Background(), key)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestBackupRotation(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVStore(dir)
	s.Backups = 2
	key := domain.SeriesKey{Symbol: "RELIANCE.NS", Interval: domain.Interval1d}
	ctx := context.Background()

	// First write has nothing to back up.
	if err := s.Replace(ctx, key, testBars()[:1]); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(dir, "RELIANCE.NS", "1d.csv")
	firstVersion, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := filepath.Glob(archive + ".*.bak"); len(got) != 0 {
		t.Fatalf("first write created %d backups", len(got))
	}

	// Second write keeps the outgoing archive as a backup.
	if err := s.Replace(ctx, key, testBars()); err != nil {
		t.Fatal(err)
	}
	backups, err := filepath.Glob(archive + ".*.bak")
	if err != nil || len(backups) != 1 {
		t.Fatalf("got %d backups after overwrite, want 1 (%v)", len(backups), err)
	}
	saved, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(saved) != string(firstVersion) {
		t.Error("backup does not match the replaced archive")
	}

	// Rotation caps the set at Backups, dropping the oldest.
	for i := 0; i < 3; i++ {
		if err := s.Replace(ctx, key, testBars()); err != nil {
			t.Fatal(err)
		}
	}
	backups, _ = filepath.Glob(archive + ".*.bak")
	if len(backups) != 2 {
		t.Errorf("got %d backups after rotation, want 2", len(backups))
	}
}

func TestEmptyReplace(t *testing.T) {
	key := domain.SeriesKey{Symbol: "EMPTY", Interval: domain.Interval1d}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Replace(ctx, key, nil); err != nil {
				t.Fatal(err)
			}
			got, err := s.Read(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 0 {
				t.Errorf("empty archive read back %d bars", len(got))
			}
		})
	}
}
