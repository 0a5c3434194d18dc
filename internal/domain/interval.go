package domain

import (
	"fmt"
	"time"
)

// Interval is a bar interval identifier such as "1m", "5m", "1h", "1d".
type Interval string

// Supported intervals. The set matches what the upstream feed serves.
const (
	Interval1m  Interval = "1m"
	Interval2m  Interval = "2m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval60m Interval = "60m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
	Interval1wk Interval = "1wk"
)

var intervalSteps = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval2m:  2 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval60m: time.Hour,
	Interval1h:  time.Hour,
	Interval1d:  24 * time.Hour,
	Interval1wk: 7 * 24 * time.Hour,
}

// Upstream retention limits per interval, in days. Zero means unlimited.
var intervalLookbackDays = map[Interval]int{
	Interval1m:  7,
	Interval2m:  60,
	Interval5m:  60,
	Interval15m: 60,
	Interval30m: 60,
	Interval60m: 730,
	Interval1h:  730,
	Interval1d:  0,
	Interval1wk: 0,
}

// ParseInterval validates an interval string.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalSteps[iv]; !ok {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Step returns the grid spacing between consecutive bars.
func (iv Interval) Step() time.Duration {
	return intervalSteps[iv]
}

// MaxLookbackDays returns how far back the upstream retains data for this
// interval, or zero when unlimited.
func (iv Interval) MaxLookbackDays() int {
	return intervalLookbackDays[iv]
}

// Rolling reports whether the upstream retains only a short trailing window
// for this interval, so the local archive is replaced rather than grown.
func (iv Interval) Rolling() bool {
	return iv == Interval1m
}

// Intraday reports whether the interval subdivides a trading session.
func (iv Interval) Intraday() bool {
	return iv != Interval1d && iv != Interval1wk
}

// Aligned reports whether t falls on this interval's grid. Intraday bars must
// sit on a whole-minute boundary (the session grid itself is anchored at the
// session open, which the calendar owns); daily and weekly bars on midnight.
func (iv Interval) Aligned(t time.Time) bool {
	if t.Second() != 0 || t.Nanosecond() != 0 {
		return false
	}
	if iv.Intraday() {
		return true
	}
	h, m, _ := t.Clock()
	return h == 0 && m == 0
}
