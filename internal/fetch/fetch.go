// Package fetch retrieves bars from the upstream market-data provider and
// classifies failures as transient (worth retrying) or permanent.
package fetch

import (
	"context"
	"fmt"
	"time"

	"barkeep/internal/domain"
)

// Fetcher retrieves bars for one symbol and interval over [start, end].
// An empty result with a nil error means the upstream has no data for the
// window, which is a normal outcome for closures and sparse symbols.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error)
}

// Transient marks err as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrTransientFetch, err)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrPermanentFetch, err)
}
