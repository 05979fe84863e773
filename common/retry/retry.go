// Package retry repeats an operation until it succeeds, an attempt budget is
// spent, or the context is cancelled.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 5, InitialDelay: 250 * time.Millisecond}, func() error {
//	    return cli.Ping(ctx)
//	})
//
// MaxAttempts may be Unlimited; the loop then only ends on success, on a
// non-retryable error, or when ctx is done.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Unlimited makes Do retry until fn succeeds or ctx is cancelled.
const Unlimited = -1

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Unlimited removes the bound. Zero and other negative values mean 1.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt. Subsequent delays
	// are doubled up to MaxDelay. Zero retries immediately, which suits
	// operations whose fn already blocks for a bounded time.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait. Zero means no cap.
	MaxDelay time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as retryable. When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
	// Name labels debug log lines.
	Name string
}

// Do calls fn until it returns nil or the Config gives up. The error from the
// last attempt is returned, joined with ctx.Err() when cancellation stopped
// the loop.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts == 0 || (cfg.MaxAttempts < 0 && cfg.MaxAttempts != Unlimited) {
		cfg.MaxAttempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == Unlimited || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if cfg.MaxAttempts != Unlimited && attempt == cfg.MaxAttempts {
			break
		}

		slog.Debug("retry: attempt failed",
			"op", cfg.Name, "attempt", attempt, "max", cfg.MaxAttempts,
			"err", lastErr, "delay", delay)

		if delay > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	return lastErr
}
