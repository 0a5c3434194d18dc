// Package domain defines the core value types shared across the archive:
// OHLCV bars, interval grids, validation reports, gap records, and the
// error taxonomy used by the reconciliation engine.
package domain

import (
	"math"
	"time"
)

// Bar is a single OHLCV observation at a timestamp. Prices must be positive
// and volume non-negative; a NaN price field encodes a null delivered by the
// upstream feed until validation drops the row.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// HasNull reports whether any price field of the bar is NaN.
func (b Bar) HasNull() bool {
	return math.IsNaN(b.Open) || math.IsNaN(b.High) || math.IsNaN(b.Low) || math.IsNaN(b.Close)
}

// CheckInvariants returns nil when the bar satisfies the OHLCV semantics:
// high >= max(open, close), low <= min(open, close), high >= low, all prices
// positive, volume non-negative. Null bars fail the positivity checks since
// NaN comparisons are false.
func (b Bar) CheckInvariants() error {
	if b.HasNull() {
		return errBar("null price field")
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return errBar("non-positive price")
	}
	if b.Volume < 0 {
		return errBar("negative volume")
	}
	if b.High < b.Low {
		return errBar("high below low")
	}
	if b.High < b.Open || b.High < b.Close {
		return errBar("high below open/close")
	}
	if b.Low > b.Open || b.Low > b.Close {
		return errBar("low above open/close")
	}
	return nil
}

type errBar string

func (e errBar) Error() string { return "bar: " + string(e) }

// SeriesKey identifies one archive: a (symbol, interval) pair.
type SeriesKey struct {
	Symbol   string
	Interval Interval
}

func (k SeriesKey) String() string {
	return k.Symbol + "/" + string(k.Interval)
}

// DateRange is the inclusive [Start, End] span covered by a series.
type DateRange struct {
	Start time.Time
	End   time.Time
}
