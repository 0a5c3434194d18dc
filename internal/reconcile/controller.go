// Package reconcile drives the update cycle that keeps each archive
// consistent with the upstream feed: fetch, validate, merge, classify gaps,
// persist, record. A cycle either lands a fully validated archive plus its
// metadata, or leaves the previous archive byte-for-byte intact.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"barkeep/internal/calendar"
	"barkeep/internal/config"
	"barkeep/internal/domain"
	"barkeep/internal/fetch"
	"barkeep/internal/merge"
	"barkeep/internal/metadata"
	"barkeep/internal/series"
	"barkeep/internal/validate"
)

// ErrSeriesBusy is returned when a cycle is already running for the key.
var ErrSeriesBusy = errors.New("reconciliation already in progress for series")

// State names the phase a cycle is in. Failed absorbs: once entered, the
// cycle only records its outcome and stops.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateValidating  State = "validating"
	StateMerging     State = "merging"
	StateGapChecking State = "gap_checking"
	StatePersisting  State = "persisting"
	StateRecording   State = "recording"
	StateFailed      State = "failed"
)

// Result summarizes one finished cycle.
type Result struct {
	Key         domain.SeriesKey
	FinalState  State
	RowsFetched int
	RowsAdded   int
	RowsTotal   int
	Gaps        []domain.GapRecord
	// ResidualFixable counts gaps left in the archive that a later cycle
	// can still repair. The cycle itself still succeeded.
	ResidualFixable int

	// validation verdict, recorded once the cycle reaches that phase
	validated        bool
	validationIssues int

	// gapsChecked marks that Gaps reflects a fresh classification rather
	// than a phase the cycle never reached
	gapsChecked bool
}

// FailureLedger records failed re-fetch attempts so the classifier's retry
// budget advances.
type FailureLedger interface {
	RecordFailure(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time, reason string) error
}

// Controller runs reconciliation cycles. All collaborators are shared and
// safe for concurrent use; per-series exclusivity comes from the metadata
// store's single-flight acquisition.
type Controller struct {
	store      series.Store
	meta       *metadata.Store
	ledger     FailureLedger
	fetcher    fetch.Fetcher
	validator  *validate.Validator
	merger     *merge.Merger
	classifier *calendar.Classifier

	symbols    map[string]config.Symbol
	maxWorkers int
	maxAge     time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// Options wires a Controller.
type Options struct {
	Store      series.Store
	Meta       *metadata.Store
	Ledger     FailureLedger
	Fetcher    fetch.Fetcher
	Classifier *calendar.Classifier
	Symbols    []config.Symbol
	MaxWorkers int
	MaxAge     time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// NewController creates a Controller.
func NewController(opts Options) *Controller {
	symbols := make(map[string]config.Symbol, len(opts.Symbols))
	for _, s := range opts.Symbols {
		symbols[s.Symbol] = s
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:      opts.Store,
		meta:       opts.Meta,
		ledger:     opts.Ledger,
		fetcher:    opts.Fetcher,
		validator:  validate.New(),
		merger:     merge.New(),
		classifier: opts.Classifier,
		symbols:    symbols,
		maxWorkers: workers,
		maxAge:     opts.MaxAge,
		now:        now,
		log:        slog.Default().With("component", "reconciler"),
	}
}

func (c *Controller) validRange(symbol string) *domain.DateRange {
	s, ok := c.symbols[symbol]
	if !ok {
		return nil
	}
	return s.TradingRange()
}

// Reconcile runs one full cycle for key. Concurrent calls for the same key
// return ErrSeriesBusy; distinct keys proceed in parallel. The outcome,
// success or failure, is always recorded in the series metadata before
// returning.
func (c *Controller) Reconcile(ctx context.Context, key domain.SeriesKey) (Result, error) {
	release, ok := c.meta.Acquire(key)
	if !ok {
		return Result{Key: key, FinalState: StateFailed}, fmt.Errorf("%w: %s", ErrSeriesBusy, key)
	}
	defer release()

	res, err := c.cycle(ctx, key)
	if recErr := c.record(ctx, key, res, err, false); recErr != nil {
		c.log.Error("recording cycle outcome failed", "series", key, "err", recErr)
		if err == nil {
			err = recErr
			res.FinalState = StateFailed
		}
	}
	return res, err
}

// cycle runs the state machine through persistence. Metadata recording is
// the caller's job so it happens on every path.
func (c *Controller) cycle(ctx context.Context, key domain.SeriesKey) (Result, error) {
	res := Result{Key: key, FinalState: StateIdle}
	now := c.now()

	start, err := c.meta.NextFetchStart(ctx, key, now)
	if err != nil {
		res.FinalState = StateFailed
		return res, err
	}

	c.step(key, &res, StateFetching)
	batch, err := c.fetcher.Fetch(ctx, key.Symbol, key.Interval, start, now)
	if err != nil {
		res.FinalState = StateFailed
		return res, err
	}
	res.RowsFetched = len(batch)

	existing, err := c.store.Read(ctx, key)
	if err != nil {
		res.FinalState = StateFailed
		return res, err
	}

	if len(batch) == 0 {
		// Nothing came back. The archive is untouched and the cycle still
		// counts as a successful check. Rolling archives are not replaced
		// with an empty window; an outage must not erase retained data.
		res.RowsTotal = len(existing)
		res.FinalState = StateIdle
		return res, nil
	}

	c.step(key, &res, StateValidating)
	fixed, report := c.validator.ValidateAndFix(batch, key.Interval)
	res.validated = true
	res.validationIssues = len(report.Issues)
	if !report.IsValid {
		res.FinalState = StateFailed
		return res, fmt.Errorf("%w: batch for %s has %d unfixable errors",
			domain.ErrValidation, key, report.ErrorCount())
	}

	c.step(key, &res, StateMerging)
	var merged []domain.Bar
	if key.Interval.Rolling() {
		// The upstream retention window slides, so the archive is replaced
		// with the freshly fetched window rather than grown.
		merged = fixed
	} else {
		merged, err = c.merger.Merge(existing, fixed)
		if err != nil {
			res.FinalState = StateFailed
			return res, err
		}
	}

	c.step(key, &res, StateGapChecking)
	gaps, err := c.classifier.Classify(ctx, key.Symbol, merged, key.Interval, c.validRange(key.Symbol))
	if err != nil {
		res.FinalState = StateFailed
		return res, err
	}
	res.Gaps = gaps
	res.gapsChecked = true
	for _, g := range gaps {
		if g.Classification == domain.GapFixable {
			res.ResidualFixable++
		}
	}

	c.step(key, &res, StatePersisting)
	if err := c.store.Replace(ctx, key, merged); err != nil {
		res.FinalState = StateFailed
		return res, err
	}
	res.RowsTotal = len(merged)
	if added := res.RowsTotal - len(existing); added > 0 {
		res.RowsAdded = added
	}

	res.FinalState = StateIdle
	c.log.Info("cycle complete",
		"series", key,
		"fetched", res.RowsFetched,
		"total", res.RowsTotal,
		"gaps", len(gaps),
		"residual_fixable", res.ResidualFixable,
	)
	return res, nil
}

// record writes the cycle outcome into the series metadata. It runs on
// every cycle, including failed ones; a failed cycle never advances
// last_update, and repair still counts as activity but keeps last_update
// where the last full cycle left it.
func (c *Controller) record(ctx context.Context, key domain.SeriesKey, res Result, cycleErr error, repair bool) error {
	out := metadata.CycleOutcome{
		At:             c.now(),
		Success:        cycleErr == nil,
		RowsAdded:      res.RowsAdded,
		Err:            cycleErr,
		TotalRows:      res.RowsTotal,
		GapsChecked:    res.gapsChecked,
		Gaps:           res.Gaps,
		KeepLastUpdate: repair,
	}
	if res.validated {
		status := "passed"
		if errors.Is(cycleErr, domain.ErrValidation) {
			status = "failed"
		}
		out.Validation = &metadata.ValidationSummary{
			Status:        status,
			IssuesCount:   res.validationIssues,
			LastValidated: out.At,
		}
	}
	if cycleErr == nil && res.RowsTotal > 0 {
		if bars, err := c.store.Read(ctx, key); err == nil && len(bars) > 0 {
			out.Range = &metadata.ArchiveRange{
				Start: bars[0].Timestamp,
				End:   bars[len(bars)-1].Timestamp,
			}
		}
	}
	return c.meta.RecordCycle(ctx, key, out)
}

func (c *Controller) step(key domain.SeriesKey, res *Result, s State) {
	res.FinalState = s
	c.log.Debug("state transition", "series", key, "state", s)
}

// FixGaps re-fetches every fixable gap window of an existing archive and
// merges whatever comes back. Windows that still come back empty, or fail
// to fetch, are recorded in the failure ledger so their retry budget
// advances. Archives with no fixable gaps are untouched.
func (c *Controller) FixGaps(ctx context.Context, key domain.SeriesKey) (Result, error) {
	release, ok := c.meta.Acquire(key)
	if !ok {
		return Result{Key: key, FinalState: StateFailed}, fmt.Errorf("%w: %s", ErrSeriesBusy, key)
	}
	defer release()

	res := Result{Key: key, FinalState: StateGapChecking}

	bars, err := c.store.Read(ctx, key)
	if err != nil {
		res.FinalState = StateFailed
		return res, err
	}
	if len(bars) == 0 {
		res.FinalState = StateIdle
		return res, nil
	}

	gaps, err := c.classifier.Classify(ctx, key.Symbol, bars, key.Interval, c.validRange(key.Symbol))
	if err != nil {
		res.FinalState = StateFailed
		return res, err
	}
	res.gapsChecked = true

	step := key.Interval.Step()
	merged := bars
	var recovered int
	for _, g := range gaps {
		if g.Classification != domain.GapFixable {
			continue
		}

		c.step(key, &res, StateFetching)
		patch, err := c.fetcher.Fetch(ctx, key.Symbol, key.Interval, g.Start, g.End.Add(step))
		if err != nil || len(patch) == 0 {
			reason := "no data returned"
			if err != nil {
				reason = err.Error()
			}
			if lerr := c.ledger.RecordFailure(ctx, key.Symbol, key.Interval, g.Start, g.End, reason); lerr != nil {
				c.log.Error("recording gap failure", "series", key, "err", lerr)
			}
			res.ResidualFixable++
			continue
		}
		res.RowsFetched += len(patch)

		c.step(key, &res, StateValidating)
		fixed, report := c.validator.ValidateAndFix(patch, key.Interval)
		if !report.IsValid {
			if lerr := c.ledger.RecordFailure(ctx, key.Symbol, key.Interval, g.Start, g.End, "invalid patch"); lerr != nil {
				c.log.Error("recording gap failure", "series", key, "err", lerr)
			}
			res.ResidualFixable++
			continue
		}

		c.step(key, &res, StateMerging)
		merged, err = c.merger.Merge(merged, fixed)
		if err != nil {
			res.FinalState = StateFailed
			return res, err
		}
		recovered++
	}

	res.RowsTotal = len(merged)
	res.Gaps = gaps
	switch {
	case recovered > 0:
		c.step(key, &res, StatePersisting)
		if err := c.store.Replace(ctx, key, merged); err != nil {
			res.FinalState = StateFailed
			return res, err
		}
		res.RowsAdded = len(merged) - len(bars)

		// Refresh the gap picture now that windows were filled, then
		// record the repair without advancing last_update.
		if fresh, cerr := c.classifier.Classify(ctx, key.Symbol, merged, key.Interval, c.validRange(key.Symbol)); cerr == nil {
			res.Gaps = fresh
		}
		c.step(key, &res, StateRecording)
		if err := c.record(ctx, key, res, nil, true); err != nil {
			res.FinalState = StateFailed
			return res, err
		}
	case res.ResidualFixable > 0:
		// Nothing came back at all. The windows are in the failure ledger;
		// the attempt itself still belongs in the download history.
		c.step(key, &res, StateRecording)
		repairErr := fmt.Errorf("%d gap windows still missing after re-fetch", res.ResidualFixable)
		if err := c.record(ctx, key, res, repairErr, true); err != nil {
			res.FinalState = StateFailed
			return res, err
		}
	}

	res.FinalState = StateIdle
	c.log.Info("gap repair complete",
		"series", key,
		"fixable_windows", recovered+res.ResidualFixable,
		"recovered", recovered,
		"residual", res.ResidualFixable,
	)
	return res, nil
}

// ReconcileAll runs cycles for every (symbol, interval) pair that is due,
// bounded by the worker limit. A series failure does not stop the sweep;
// the first error is reported after every series has been attempted.
func (c *Controller) ReconcileAll(ctx context.Context, symbols []string, intervals []domain.Interval) error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []error
	)
	g.SetLimit(c.maxWorkers)

	now := c.now()
	for _, sym := range symbols {
		for _, iv := range intervals {
			key := domain.SeriesKey{Symbol: sym, Interval: iv}

			due, err := c.meta.NeedsUpdate(ctx, key, c.maxAge, now)
			if err != nil {
				// One unreadable metadata document must not block the
				// sweep for healthy siblings.
				c.log.Error("freshness check failed", "series", key, "err", err)
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
				continue
			}
			if !due {
				c.log.Debug("series fresh, skipping", "series", key)
				continue
			}

			g.Go(func() error {
				if _, err := c.Reconcile(ctx, key); err != nil {
					c.log.Error("cycle failed", "series", key, "err", err)
					mu.Lock()
					failures = append(failures, fmt.Errorf("%s: %w", key, err))
					mu.Unlock()
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d series failed, first: %w", len(failures), failures[0])
	}
	return nil
}
