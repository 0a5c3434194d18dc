package util

import (
	"context"
	"errors"
	"time"

	"barkeep/internal/domain"
)

// Backoff is the single retry policy shared by every upstream invocation.
// Delays grow exponentially from BaseDelay up to MaxDelay.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff matches the upstream feed's tolerances: three attempts,
// starting at one second, capped at a minute.
func DefaultBackoff() Backoff {
	return Backoff{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
}

// Do calls fn until it succeeds, the attempts are exhausted, the error is
// permanent, or the context is cancelled. It returns nil on the first
// successful call and the last error otherwise. Permanent failures are
// returned immediately; retrying them cannot help.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	var err error
	delay := b.BaseDelay

	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrPermanentFetch) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < b.MaxAttempts-1 {
			if b.MaxDelay > 0 && delay > b.MaxDelay {
				delay = b.MaxDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return err
}
