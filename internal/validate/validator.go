// Package validate checks series snapshots against the OHLCV invariants and
// applies the small set of lossless, unambiguous auto-fixes.
package validate

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"barkeep/internal/domain"
)

// Validator performs structural and semantic correctness checks on a series
// snapshot. It is stateless apart from its logger and safe for concurrent
// use.
type Validator struct {
	log *slog.Logger
}

// New creates a Validator.
func New() *Validator {
	return &Validator{log: slog.Default().With("component", "validator")}
}

// Validate runs every check against the snapshot and returns the report.
// The snapshot is not modified. Gap issues are advisory warnings; whether a
// gap is a real defect is the classifier's call, not the validator's.
func (v *Validator) Validate(bars []domain.Bar, iv domain.Interval) *domain.ValidationReport {
	report := domain.NewValidationReport()

	v.checkNulls(bars, report)
	v.checkOHLC(bars, report)
	v.checkPositivity(bars, report)
	v.checkDuplicates(bars, report)
	v.checkSorted(bars, report)
	v.checkAlignment(bars, iv, report)
	v.checkGaps(bars, iv, report)

	v.log.Debug("validation complete",
		"rows", len(bars),
		"interval", iv,
		"valid", report.IsValid,
		"issues", len(report.Issues),
	)
	return report
}

// ValidateAndFix applies, in order, exactly the corrections that are
// lossless and unambiguous: drop null rows, drop duplicate timestamps
// keeping the later occurrence, sort chronologically. It then re-validates
// the result. Values are never fabricated; gaps are left for the
// reconciliation layer to re-fetch.
//
// The fix sequence is a fixed point: applying it to its own output changes
// nothing.
func (v *Validator) ValidateAndFix(bars []domain.Bar, iv domain.Interval) ([]domain.Bar, *domain.ValidationReport) {
	fixed := make([]domain.Bar, 0, len(bars))
	dropped := 0
	for _, b := range bars {
		if b.HasNull() {
			dropped++
			continue
		}
		fixed = append(fixed, b)
	}

	// Keep the later occurrence for duplicate timestamps: later rows are
	// treated as upstream corrections of earlier ones.
	seen := make(map[int64]int, len(fixed))
	deduped := make([]domain.Bar, 0, len(fixed))
	for _, b := range fixed {
		key := b.Timestamp.UnixNano()
		if at, ok := seen[key]; ok {
			deduped[at] = b
			continue
		}
		seen[key] = len(deduped)
		deduped = append(deduped, b)
	}

	sort.Slice(deduped, func(i, j int) bool {
		return deduped[i].Timestamp.Before(deduped[j].Timestamp)
	})

	if dropped > 0 || len(deduped) != len(bars) {
		v.log.Info("auto-fix applied",
			"rows_in", len(bars),
			"rows_out", len(deduped),
			"null_rows_dropped", dropped,
			"duplicates_collapsed", len(bars)-dropped-len(deduped),
		)
	}

	return deduped, v.Validate(deduped, iv)
}

// checkNulls emits one error per contiguous run of rows containing a null
// price field.
func (v *Validator) checkNulls(bars []domain.Bar, report *domain.ValidationReport) {
	runStart := -1
	flush := func(end int) {
		if runStart < 0 {
			return
		}
		report.Add(domain.SeverityError, domain.CategoryNulls,
			"null price values",
			fmt.Sprintf("rows %d..%d", runStart, end-1),
		)
		runStart = -1
	}

	for i, b := range bars {
		if b.HasNull() {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		flush(i)
	}
	flush(len(bars))
}

func (v *Validator) checkOHLC(bars []domain.Bar, report *domain.ValidationReport) {
	for i, b := range bars {
		if b.HasNull() {
			continue // already reported by the nulls check
		}
		switch {
		case b.High < b.Low:
			report.Add(domain.SeverityError, domain.CategoryOHLCLogic,
				"high below low", fmt.Sprintf("index %d", i))
		case b.High < b.Open || b.High < b.Close:
			report.Add(domain.SeverityError, domain.CategoryOHLCLogic,
				"high below open/close", fmt.Sprintf("index %d", i))
		case b.Low > b.Open || b.Low > b.Close:
			report.Add(domain.SeverityError, domain.CategoryOHLCLogic,
				"low above open/close", fmt.Sprintf("index %d", i))
		}
	}
}

func (v *Validator) checkPositivity(bars []domain.Bar, report *domain.ValidationReport) {
	for i, b := range bars {
		if b.HasNull() {
			continue
		}
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			report.Add(domain.SeverityError, domain.CategoryOHLCLogic,
				"non-positive price", fmt.Sprintf("index %d", i))
		}
		if b.Volume < 0 {
			report.Add(domain.SeverityError, domain.CategoryVolume,
				"negative volume", fmt.Sprintf("index %d", i))
		}
	}
}

func (v *Validator) checkDuplicates(bars []domain.Bar, report *domain.ValidationReport) {
	seen := make(map[int64]int, len(bars))
	var dupes []string
	for i, b := range bars {
		key := b.Timestamp.UnixNano()
		if first, ok := seen[key]; ok {
			dupes = append(dupes, fmt.Sprintf("%d=%d", first, i))
			continue
		}
		seen[key] = i
	}
	if len(dupes) > 0 {
		report.Add(domain.SeverityError, domain.CategoryDuplicates,
			fmt.Sprintf("%d duplicate timestamps", len(dupes)),
			"indices "+strings.Join(dupes, ", "),
		)
	}
}

func (v *Validator) checkSorted(bars []domain.Bar, report *domain.ValidationReport) {
	for i := 1; i < len(bars); i++ {
		// Strictly-increasing violations from equal timestamps are the
		// duplicates check's finding, not a sorting defect.
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			report.Add(domain.SeverityError, domain.CategorySorting,
				"timestamps not in ascending order", fmt.Sprintf("index %d", i))
			return
		}
	}
}

func (v *Validator) checkAlignment(bars []domain.Bar, iv domain.Interval, report *domain.ValidationReport) {
	for i, b := range bars {
		if !iv.Aligned(b.Timestamp) {
			report.Add(domain.SeverityError, domain.CategoryStructure,
				"timestamp off the interval grid",
				fmt.Sprintf("index %d: %s", i, b.Timestamp.Format(time.RFC3339)))
		}
	}
}

// checkGaps flags consecutive bars separated by more than one grid step.
// Session boundaries, weekends, and holidays also trip the warning; the
// classifier decides which gaps are legitimate closures, so the check stays
// purely mechanical.
func (v *Validator) checkGaps(bars []domain.Bar, iv domain.Interval, report *domain.ValidationReport) {
	step := iv.Step()
	for i := 1; i < len(bars); i++ {
		gap := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if gap <= step {
			continue
		}
		report.Add(domain.SeverityWarning, domain.CategoryGaps,
			"gap between consecutive bars",
			fmt.Sprintf("index %d: expected %s, got %s", i, step, gap),
		)
	}
}
