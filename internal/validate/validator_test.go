package validate

import (
	"math"
	"reflect"
	"testing"
	"time"

	"barkeep/internal/domain"
)

var loc = time.FixedZone("IST", 5*3600+1800)

func minuteBar(min int, close float64) domain.Bar {
	return domain.Bar{
		Timestamp: time.Date(2024, 6, 3, 9, min, 0, 0, loc),
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    1000,
	}
}

func TestValidateCleanSeries(t *testing.T) {
	bars := []domain.Bar{minuteBar(15, 100), minuteBar(16, 101), minuteBar(17, 102)}

	report := New().Validate(bars, domain.Interval1m)
	if !report.IsValid {
		t.Fatalf("clean series reported invalid: %+v", report.Issues)
	}
	if len(report.Issues) != 0 {
		t.Errorf("clean series produced issues: %+v", report.Issues)
	}
}

func TestValidateHighBelowLow(t *testing.T) {
	b := minuteBar(15, 100)
	b.High = 100
	b.Low = 105

	report := New().Validate([]domain.Bar{b}, domain.Interval1m)
	if report.IsValid {
		t.Fatal("high < low must invalidate the report")
	}
	issues := report.ByCategory(domain.CategoryOHLCLogic)
	if len(issues) != 1 {
		t.Fatalf("got %d ohlc_logic issues, want exactly 1: %+v", len(issues), report.Issues)
	}
	if issues[0].Severity != domain.SeverityError {
		t.Errorf("severity = %v, want error", issues[0].Severity)
	}
}

func TestValidateNullRuns(t *testing.T) {
	nullBar := func(min int) domain.Bar {
		b := minuteBar(min, 100)
		b.Close = math.NaN()
		return b
	}
	// Two contiguous null runs: rows 1-2 and row 4.
	bars := []domain.Bar{
		minuteBar(15, 100),
		nullBar(16), nullBar(17),
		minuteBar(18, 101),
		nullBar(19),
	}

	report := New().Validate(bars, domain.Interval1m)
	issues := report.ByCategory(domain.CategoryNulls)
	if len(issues) != 2 {
		t.Fatalf("got %d null issues, want one per contiguous run (2): %+v", len(issues), issues)
	}
	if issues[0].Details != "rows 1..2" {
		t.Errorf("first run detail = %q, want rows 1..2", issues[0].Details)
	}
	if issues[1].Details != "rows 4..4" {
		t.Errorf("second run detail = %q, want rows 4..4", issues[1].Details)
	}
}

func TestValidateDuplicatesAndSorting(t *testing.T) {
	a, b, c := minuteBar(15, 100), minuteBar(16, 101), minuteBar(17, 102)

	dup := New().Validate([]domain.Bar{a, b, b}, domain.Interval1m)
	if len(dup.ByCategory(domain.CategoryDuplicates)) != 1 {
		t.Error("duplicate timestamps not reported")
	}
	if len(dup.ByCategory(domain.CategorySorting)) != 0 {
		t.Error("equal timestamps must not also count as a sorting defect")
	}

	unsorted := New().Validate([]domain.Bar{c, a, b}, domain.Interval1m)
	if len(unsorted.ByCategory(domain.CategorySorting)) != 1 {
		t.Error("descending timestamps not reported as sorting defect")
	}
}

func TestValidateGapWarningDoesNotBlock(t *testing.T) {
	bars := []domain.Bar{minuteBar(15, 100), minuteBar(16, 101), minuteBar(18, 102)}

	report := New().Validate(bars, domain.Interval1m)
	if !report.IsValid {
		t.Fatal("a gap warning must not invalidate the report")
	}
	gaps := report.ByCategory(domain.CategoryGaps)
	if len(gaps) != 1 || gaps[0].Severity != domain.SeverityWarning {
		t.Fatalf("expected one gap warning, got %+v", gaps)
	}
}

func TestValidateOvernightGapAdvisoryOnly(t *testing.T) {
	day1 := minuteBar(15, 100)
	day2 := minuteBar(15, 101)
	day2.Timestamp = day2.Timestamp.AddDate(0, 0, 1)

	// The step is mechanically exceeded, so the warning fires; whether the
	// spacing is a legitimate closure is the classifier's call.
	report := New().Validate([]domain.Bar{day1, day2}, domain.Interval1m)
	gaps := report.ByCategory(domain.CategoryGaps)
	if len(gaps) != 1 || gaps[0].Severity != domain.SeverityWarning {
		t.Fatalf("expected one gap warning across the session boundary, got %+v", gaps)
	}
	if !report.IsValid {
		t.Error("an overnight gap warning must not invalidate the report")
	}
}

func TestValidateMissingTradingDayWarns(t *testing.T) {
	// Daily bars Mon and Thu: the Tue/Wed hole must produce a warning even
	// though it could be a closure.
	mon := minuteBar(15, 100)
	mon.Timestamp = time.Date(2024, 1, 22, 0, 0, 0, 0, loc)
	thu := minuteBar(15, 101)
	thu.Timestamp = time.Date(2024, 1, 25, 0, 0, 0, 0, loc)

	report := New().Validate([]domain.Bar{mon, thu}, domain.Interval1d)
	if len(report.ByCategory(domain.CategoryGaps)) != 1 {
		t.Fatalf("missing trading days produced no warning: %+v", report.Issues)
	}
	if !report.IsValid {
		t.Error("gap warnings must stay advisory")
	}
}

func TestValidateAndFix(t *testing.T) {
	null := minuteBar(16, 101)
	null.Open = math.NaN()

	dupEarly := minuteBar(17, 102)
	dupLate := minuteBar(17, 999) // later occurrence must win

	bars := []domain.Bar{
		minuteBar(18, 103), // out of order
		minuteBar(15, 100),
		null,
		dupEarly,
		dupLate,
	}

	fixed, report := New().ValidateAndFix(bars, domain.Interval1m)
	if !report.IsValid {
		t.Fatalf("auto-fix left errors: %+v", report.Issues)
	}
	if len(fixed) != 3 {
		t.Fatalf("got %d rows after fix, want 3", len(fixed))
	}
	for i := 1; i < len(fixed); i++ {
		if !fixed[i].Timestamp.After(fixed[i-1].Timestamp) {
			t.Fatal("fixed output not strictly ascending")
		}
	}
	if fixed[1].Close != 999 {
		t.Errorf("duplicate resolution kept close=%v, want the later occurrence (999)", fixed[1].Close)
	}
}

func TestValidateAndFixFixedPoint(t *testing.T) {
	null := minuteBar(16, 101)
	null.Close = math.NaN()
	bars := []domain.Bar{minuteBar(17, 102), null, minuteBar(15, 100), minuteBar(15, 98)}

	once, _ := New().ValidateAndFix(bars, domain.Interval1m)
	twice, _ := New().ValidateAndFix(once, domain.Interval1m)

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second fix pass changed data:\n once: %+v\ntwice: %+v", once, twice)
	}
}

func TestValidateAndFixNeverFabricates(t *testing.T) {
	// A missing minute stays missing: auto-fix must not interpolate.
	bars := []domain.Bar{minuteBar(15, 100), minuteBar(17, 102)}
	fixed, _ := New().ValidateAndFix(bars, domain.Interval1m)
	if len(fixed) != 2 {
		t.Fatalf("auto-fix changed row count on gapped series: %d", len(fixed))
	}
}

func TestValidateOffGridTimestamp(t *testing.T) {
	b := minuteBar(15, 100)
	b.Timestamp = b.Timestamp.Add(30 * time.Second)

	report := New().Validate([]domain.Bar{b}, domain.Interval1m)
	if report.IsValid {
		t.Fatal("off-grid timestamp must invalidate the report")
	}
	if len(report.ByCategory(domain.CategoryStructure)) != 1 {
		t.Error("off-grid timestamp not reported under structure")
	}
}
