package calendar

import (
	"context"
	"time"

	"barkeep/internal/domain"
)

// AttemptCounter reports how many times re-fetching an exact window has
// already failed. The metadata package's SQLite ledger implements it.
type AttemptCounter interface {
	FailureCount(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time) (int, error)
}

// Classifier assigns every missing grid timestamp of a series to exactly one
// gap class. Weekends and holidays are legitimate closures; the remainder is
// fixable until its retry budget is exhausted, then unfixable.
type Classifier struct {
	calendar    *Calendar
	attempts    AttemptCounter
	maxAttempts int
}

// NewClassifier creates a Classifier. attempts may be nil, in which case no
// retry budget applies and real gaps stay fixable. maxAttempts is the number
// of failed attempts tolerated per window; a window that has failed more
// than maxAttempts times becomes unfixable.
func NewClassifier(cal *Calendar, attempts AttemptCounter, maxAttempts int) *Classifier {
	return &Classifier{calendar: cal, attempts: attempts, maxAttempts: maxAttempts}
}

// Classify walks the interval grid between the series' first and last
// timestamps and returns one GapRecord per contiguous run of missing points
// sharing a class, in chronological order. validRange, when non-nil, bounds
// the span the symbol actually traded; missing points outside it are
// reported unfixable (not yet listed / delisted), never re-fetched.
//
// Fixable records span the narrowest missing run, so re-fetches cover
// exactly the absent window rather than the whole series.
func (c *Classifier) Classify(ctx context.Context, symbol string, bars []domain.Bar, iv domain.Interval, validRange *domain.DateRange) ([]domain.GapRecord, error) {
	if len(bars) < 2 {
		return nil, nil
	}

	first := bars[0].Timestamp
	last := bars[len(bars)-1].Timestamp

	present := make(map[int64]struct{}, len(bars))
	for _, b := range bars {
		present[b.Timestamp.UnixNano()] = struct{}{}
	}

	type missing struct {
		t      time.Time
		idx    int // position in the grid, to detect contiguity
		class  domain.GapClass
		reason string
	}

	grid := c.calendar.GridPoints(iv, first, last)
	var miss []missing
	for i, t := range grid {
		if _, ok := present[t.UnixNano()]; ok {
			continue
		}
		class, reason := c.classifyPoint(t, validRange)
		miss = append(miss, missing{t: t, idx: i, class: class, reason: reason})
	}
	if len(miss) == 0 {
		return nil, nil
	}

	// Collapse contiguous runs of equal class into records; class changes
	// and grid discontinuities both split.
	var records []domain.GapRecord
	runStart := 0
	for i := 1; i <= len(miss); i++ {
		if i < len(miss) && miss[i].class == miss[runStart].class && miss[i].idx == miss[i-1].idx+1 {
			continue
		}
		run := miss[runStart:i]
		records = append(records, domain.GapRecord{
			Start:          run[0].t,
			End:            run[len(run)-1].t,
			Classification: run[0].class,
			Reason:         run[0].reason,
		})
		runStart = i
	}

	// Fixable windows that already burned their retry budget become
	// unfixable. The budget is tracked per exact window, so the check runs
	// after runs are formed.
	if c.attempts != nil && c.maxAttempts > 0 {
		for i, rec := range records {
			if rec.Classification != domain.GapFixable {
				continue
			}
			n, err := c.attempts.FailureCount(ctx, symbol, iv, rec.Start, rec.End)
			if err != nil {
				return nil, err
			}
			if n > c.maxAttempts {
				records[i].Classification = domain.GapUnfixable
				records[i].Reason = "retry budget exhausted"
			}
		}
	}

	return records, nil
}

func (c *Classifier) classifyPoint(t time.Time, validRange *domain.DateRange) (domain.GapClass, string) {
	if class, reason, closed := c.calendar.Closure(t); closed {
		return class, reason
	}
	if validRange != nil {
		if !validRange.Start.IsZero() && t.Before(validRange.Start) {
			return domain.GapUnfixable, "before listing"
		}
		if !validRange.End.IsZero() && t.After(validRange.End) {
			return domain.GapUnfixable, "after delisting"
		}
	}
	return domain.GapFixable, ""
}
