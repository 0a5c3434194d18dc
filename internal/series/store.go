// Package series persists per-(symbol, interval) bar archives on disk and
// reads them back. Two backends share one contract: a CSV store whose files
// stay greppable and diffable, and a Parquet store for large archives.
package series

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"barkeep/internal/domain"
)

// Store persists and retrieves one archive per (symbol, interval) key.
type Store interface {
	// Read returns the archive for key in chronological order, or
	// (nil, nil) when no archive exists yet.
	Read(ctx context.Context, key domain.SeriesKey) ([]domain.Bar, error)

	// Replace atomically replaces the archive for key with bars. On any
	// error the previous archive contents are left intact.
	Replace(ctx context.Context, key domain.SeriesKey, bars []domain.Bar) error

	// Exists reports whether an archive is present for key.
	Exists(ctx context.Context, key domain.SeriesKey) (bool, error)
}

// sanitizeSymbol maps a ticker to a filesystem-safe directory name. Symbols
// like "M&M.NS" or "BRK/B" must not escape the data directory or collide
// with path syntax.
func sanitizeSymbol(symbol string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "^", "_")
	return r.Replace(symbol)
}

// backupArchive copies the current archive aside as <path>.<nanos>.bak before
// a replace overwrites it, then prunes all but the keep most recent copies.
// keep <= 0 disables backups. The copy happens before the rename, so a
// recovered backup is always a complete prior archive.
func backupArchive(path string, keep int) error {
	if keep <= 0 {
		return nil
	}
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	backup := fmt.Sprintf("%s.%d.bak", path, time.Now().UnixNano())
	dst, err := os.Create(backup)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(backup)
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return pruneBackups(path, keep)
}

// pruneBackups removes the oldest backups beyond keep. The nanosecond name
// component has a fixed width, so lexical order is chronological order.
func pruneBackups(path string, keep int) error {
	matches, err := filepath.Glob(path + ".*.bak")
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keep] {
		if err := os.Remove(old); err != nil {
			return err
		}
	}
	return nil
}
