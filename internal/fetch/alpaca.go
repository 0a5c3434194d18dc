package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"barkeep/internal/domain"
	"barkeep/internal/util"
)

var _ Fetcher = (*AlpacaFetcher)(nil)

// AlpacaFetcher retrieves bars from the Alpaca market-data API. All calls
// pass through a shared rate limiter, and transient failures are retried
// with exponential backoff before being surfaced.
type AlpacaFetcher struct {
	client  *marketdata.Client
	limiter *util.RateLimiter
	backoff util.Backoff
	feed    marketdata.Feed
	timeout time.Duration
	log     *slog.Logger
}

// AlpacaOpts configures an AlpacaFetcher.
type AlpacaOpts struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Feed            string
	RateLimitPerMin int
	Burst           int
	Timeout         time.Duration
	Backoff         util.Backoff
}

// NewAlpacaFetcher creates an AlpacaFetcher.
func NewAlpacaFetcher(opts AlpacaOpts) *AlpacaFetcher {
	clientOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}

	feed := marketdata.SIP
	if opts.Feed != "" {
		feed = marketdata.Feed(opts.Feed)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := opts.Backoff
	if backoff.MaxAttempts == 0 {
		backoff = util.DefaultBackoff()
	}
	rate := opts.RateLimitPerMin
	if rate <= 0 {
		rate = 120
	}

	return &AlpacaFetcher{
		client:  marketdata.NewClient(clientOpts),
		limiter: util.NewRateLimiter(rate, opts.Burst),
		backoff: backoff,
		feed:    feed,
		timeout: timeout,
		log:     slog.Default().With("component", "fetcher"),
	}
}

// timeFrame maps an archive interval to the upstream bar aggregation.
func timeFrame(iv domain.Interval) (marketdata.TimeFrame, error) {
	switch iv {
	case domain.Interval1m:
		return marketdata.OneMin, nil
	case domain.Interval2m:
		return marketdata.NewTimeFrame(2, marketdata.Min), nil
	case domain.Interval5m:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case domain.Interval15m:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case domain.Interval30m:
		return marketdata.NewTimeFrame(30, marketdata.Min), nil
	case domain.Interval60m, domain.Interval1h:
		return marketdata.OneHour, nil
	case domain.Interval1d:
		return marketdata.OneDay, nil
	case domain.Interval1wk:
		return marketdata.NewTimeFrame(1, marketdata.Week), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("no upstream timeframe for interval %q", iv)
}

// Fetch retrieves bars for [start, end]. The window is clamped to the
// interval's upstream retention limit; asking past it is a guaranteed
// rejection, not a retryable fault.
func (f *AlpacaFetcher) Fetch(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	tf, err := timeFrame(iv)
	if err != nil {
		return nil, Permanent(err)
	}

	if d := iv.MaxLookbackDays(); d > 0 {
		if horizon := time.Now().AddDate(0, 0, -d); start.Before(horizon) {
			f.log.Debug("clamping fetch window to retention limit",
				"symbol", symbol, "interval", iv,
				"requested", start, "horizon", horizon,
			)
			start = horizon
		}
	}
	if !end.After(start) {
		return nil, nil
	}

	var bars []domain.Bar
	err = f.backoff.Do(ctx, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		raw, err := f.getBars(ctx, symbol, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
			Feed:      f.feed,
		})
		if err != nil {
			return classify(err)
		}

		bars = bars[:0]
		for _, b := range raw {
			bars = append(bars, domain.Bar{
				Timestamp: b.Timestamp,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    int64(b.Volume),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.log.Debug("fetched window",
		"symbol", symbol, "interval", iv,
		"start", start, "end", end, "rows", len(bars),
	)
	return bars, nil
}

// getBars runs the blocking client call under a deadline. The underlying
// client takes no context, so the call is supervised from outside; an
// abandoned call finishes in its goroutine and is discarded.
func (f *AlpacaFetcher) getBars(ctx context.Context, symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type result struct {
		bars []marketdata.Bar
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		bars, err := f.client.GetBars(symbol, req)
		ch <- result{bars: bars, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, callCtx.Err()
	case r := <-ch:
		return r.bars, r.err
	}
}

// classify sorts an upstream error into the transient or permanent bucket.
// Rate limiting and server faults are transient; rejected requests are
// permanent. Anything unrecognized (network faults, timeouts) is treated as
// transient so the backoff gets a chance.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return Transient(err)
		case apiErr.StatusCode >= 500:
			return Transient(err)
		case apiErr.StatusCode == http.StatusForbidden,
			apiErr.StatusCode == http.StatusNotFound,
			apiErr.StatusCode == http.StatusUnprocessableEntity,
			apiErr.StatusCode == http.StatusBadRequest:
			return Permanent(err)
		}
	}
	return Transient(err)
}
