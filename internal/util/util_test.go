package util

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"barkeep/internal/domain"
)

func TestBackoffDo(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	b := Backoff{MaxAttempts: 5, BaseDelay: 0}
	err := b.Do(context.Background(), func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Do called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestBackoffAllFail(t *testing.T) {
	attempts := 0
	b := Backoff{MaxAttempts: 3, BaseDelay: 0}

	err := b.Do(context.Background(), func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Do should return error when all attempts fail")
	}
	if attempts != 3 {
		t.Errorf("Do called fn %d times, want 3", attempts)
	}
}

func TestBackoffStopsOnPermanent(t *testing.T) {
	attempts := 0
	b := Backoff{MaxAttempts: 5, BaseDelay: 0}

	err := b.Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("symbol delisted: %w", domain.ErrPermanentFetch)
	})

	if !errors.Is(err, domain.ErrPermanentFetch) {
		t.Fatalf("Do should surface the permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Do retried a permanent error %d times", attempts)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait should succeed immediately: %v", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	// Slow replenishment (one token per 10s) so the burst is what we measure.
	rl := NewRateLimiter(6, 3)
	for i := 0; i < 3; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("burst token %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("Wait past the burst should block and honor cancellation")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()

	l := NewLogger("debug", "text")
	if !l.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level not enabled")
	}

	l = NewLogger("bogus", "json")
	if l.Enabled(ctx, slog.LevelDebug) {
		t.Error("unrecognized level should fall back to info")
	}
	if !l.Enabled(ctx, slog.LevelInfo) {
		t.Error("fallback logger should emit info")
	}
}
