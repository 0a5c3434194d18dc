// Package calendar provides market-closure awareness: which dates trade,
// the intraday session window, and the expected timestamp grid for an
// interval. It also hosts the gap classifier that decides whether missing
// grid points are legitimate closures or real data defects.
package calendar

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"barkeep/internal/domain"
)

// Calendar is static, shared, read-only reference data: a weekend rule plus
// a holiday table, and the market's session clock times.
type Calendar struct {
	loc      *time.Location
	holidays map[string]string // "2006-01-02" -> reason

	openHour, openMin   int
	closeHour, closeMin int
}

// New creates a Calendar for the given timezone, session window ("HH:MM"
// clock times), and holiday table.
func New(timezone, sessionOpen, sessionClose string, holidays map[string]string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}

	oh, om, err := parseClock(sessionOpen)
	if err != nil {
		return nil, fmt.Errorf("session_open: %w", err)
	}
	ch, cm, err := parseClock(sessionClose)
	if err != nil {
		return nil, fmt.Errorf("session_close: %w", err)
	}
	if ch*60+cm <= oh*60+om {
		return nil, fmt.Errorf("session close %s not after open %s", sessionClose, sessionOpen)
	}

	if holidays == nil {
		holidays = map[string]string{}
	}
	return &Calendar{
		loc:      loc,
		holidays: holidays,
		openHour: oh, openMin: om,
		closeHour: ch, closeMin: cm,
	}, nil
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("bad clock time %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// LoadHolidayFile reads a YAML holiday table of the form:
//
//	holidays:
//	  - date: "2024-01-26"
//	    reason: Republic Day
func LoadHolidayFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Holidays []struct {
			Date   string `yaml:"date"`
			Reason string `yaml:"reason"`
		} `yaml:"holidays"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	out := make(map[string]string, len(doc.Holidays))
	for _, h := range doc.Holidays {
		if _, err := time.Parse("2006-01-02", h.Date); err != nil {
			return nil, fmt.Errorf("%s: bad holiday date %q", path, h.Date)
		}
		out[h.Date] = h.Reason
	}
	return out, nil
}

// Location returns the market timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Closure reports why the market is closed on t's date: domain.GapWeekend,
// domain.GapHoliday with the holiday's reason, or ok=false on a trading day.
func (c *Calendar) Closure(t time.Time) (class domain.GapClass, reason string, ok bool) {
	d := t.In(c.loc)
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return domain.GapWeekend, "weekend", true
	}
	if r, hit := c.holidays[d.Format("2006-01-02")]; hit {
		if r == "" {
			r = "market holiday"
		}
		return domain.GapHoliday, r, true
	}
	return "", "", false
}

// IsTradingDay reports whether t's date is a regular session day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	_, _, closed := c.Closure(t)
	return !closed
}

// SessionOpen returns the session open instant on t's date.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	d := t.In(c.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), c.openHour, c.openMin, 0, 0, c.loc)
}

// SessionClose returns the session close instant on t's date.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	d := t.In(c.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), c.closeHour, c.closeMin, 0, 0, c.loc)
}

// GridPoints returns every expected bar timestamp for the interval in the
// inclusive range [from, to]. The grid covers all calendar dates, closed or
// not: legitimacy of a missing point is the classifier's decision, not the
// grid's. Intraday points are bar-start instants from session open up to,
// but excluding, session close.
func (c *Calendar) GridPoints(iv domain.Interval, from, to time.Time) []time.Time {
	if to.Before(from) {
		return nil
	}

	var points []time.Time
	switch {
	case iv == domain.Interval1wk:
		for t := from; !t.After(to); t = t.AddDate(0, 0, 7) {
			points = append(points, t)
		}
	case iv == domain.Interval1d:
		start := c.midnight(from)
		for t := start; !t.After(to); t = t.AddDate(0, 0, 1) {
			if !t.Before(from) {
				points = append(points, t)
			}
		}
	default:
		step := iv.Step()
		for d := c.midnight(from); !d.After(to); d = d.AddDate(0, 0, 1) {
			open := c.SessionOpen(d)
			close := c.SessionClose(d)
			for t := open; t.Before(close); t = t.Add(step) {
				if t.Before(from) || t.After(to) {
					continue
				}
				points = append(points, t)
			}
		}
	}
	return points
}

func (c *Calendar) midnight(t time.Time) time.Time {
	d := t.In(c.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc)
}
