// Package retry implements bounded retry with exponential backoff for
// single external calls. Queue-level retries protect against process
// crashes; this helper protects against transient call failures within
// one delivery.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/clipforge/api/internal/clock"
)

// Config controls the retry schedule.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// OnRetry, if set, is called before each re-attempt with the attempt
	// number just failed (1-based) and its error.
	OnRetry func(attempt int, err error)
}

// Delay returns the backoff delay after the given failed attempt (1-based):
// InitialDelay * 2^(attempt-1), capped at MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops immediately instead of re-attempting.
// fn returns it for failures that no amount of retrying can change, like
// a record that does not exist.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Do runs fn up to MaxAttempts times, sleeping the backoff schedule between
// attempts. It returns nil on the first success, the last error once
// attempts are exhausted, and the context error if ctx ends mid-backoff.
// An error wrapped with Permanent is returned unwrapped without further
// attempts.
func Do(ctx context.Context, clk clock.Clock, cfg Config, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		if err := clk.Sleep(ctx, cfg.Delay(attempt)); err != nil {
			return err
		}
	}

	return lastErr
}
