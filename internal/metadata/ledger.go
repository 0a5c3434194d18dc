package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"barkeep/internal/domain"
)

// Ledger records failed gap re-fetch attempts in SQLite so the retry budget
// survives restarts. Each row is one failed attempt against one exact
// window; the classifier counts rows per window to decide when a gap stops
// being worth retrying.
type Ledger struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS fetch_failures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol      TEXT    NOT NULL,
	interval    TEXT    NOT NULL,
	window_start INTEGER NOT NULL, -- Unix nanoseconds
	window_end   INTEGER NOT NULL, -- Unix nanoseconds
	occurred_at  INTEGER NOT NULL, -- Unix nanoseconds
	reason      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_failures_window
	ON fetch_failures (symbol, interval, window_start, window_end);
`

// OpenLedger opens (or creates) the failure ledger at dbPath.
func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening failure ledger: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating failure ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordFailure appends one failed attempt for the exact window.
func (l *Ledger) RecordFailure(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time, reason string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO fetch_failures (symbol, interval, window_start, window_end, occurred_at, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		symbol, string(iv), start.UnixNano(), end.UnixNano(), time.Now().UnixNano(), reason,
	)
	if err != nil {
		return fmt.Errorf("recording fetch failure: %w", err)
	}
	return nil
}

// FailureCount returns how many failed attempts are on record for the exact
// window. It satisfies the gap classifier's AttemptCounter.
func (l *Ledger) FailureCount(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fetch_failures
		WHERE symbol = ? AND interval = ? AND window_start = ? AND window_end = ?`,
		symbol, string(iv), start.UnixNano(), end.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting fetch failures: %w", err)
	}
	return n, nil
}

// Failures lists the recorded attempts for a symbol and interval, most
// recent first, up to limit.
func (l *Ledger) Failures(ctx context.Context, symbol string, iv domain.Interval, limit int) ([]FailureRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT window_start, window_end, occurred_at, reason FROM fetch_failures
		WHERE symbol = ? AND interval = ?
		ORDER BY occurred_at DESC LIMIT ?`,
		symbol, string(iv), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing fetch failures: %w", err)
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var start, end, at int64
		var rec FailureRecord
		if err := rows.Scan(&start, &end, &at, &rec.Reason); err != nil {
			return nil, err
		}
		rec.WindowStart = time.Unix(0, start).UTC()
		rec.WindowEnd = time.Unix(0, end).UTC()
		rec.OccurredAt = time.Unix(0, at).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FailureRecord is one failed re-fetch attempt read back from the ledger.
type FailureRecord struct {
	WindowStart time.Time
	WindowEnd   time.Time
	OccurredAt  time.Time
	Reason      string
}
