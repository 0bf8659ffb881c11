// Package retry runs an operation with exponential backoff.
//
// The backoff before attempt n (n >= 1, zero-based) is
// InitialBackoff * 2^(n-1), capped at MaxBackoff, plus optional jitter that
// grows linearly with the attempt number. Errors wrapped with Permanent stop
// the loop immediately. Context cancellation during a backoff returns the
// context error.
//
//	err := retry.Do(ctx, retry.Config{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond},
//	    func(attempt int) error {
//	        conn, err = dialer.DialContext(ctx, "tcp", addr)
//	        return err
//	    })
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior for exponential backoff operations.
//
// The zero value runs the function exactly once.
type Config struct {
	// MaxRetries is the maximum number of attempts. Values below 1 mean 1.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds up to Jitter*backoff extra wait, scaled by
	// attempt/MaxRetries (0.0 to 1.0). Zero means no jitter.
	Jitter float64
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. fn receives the zero-based attempt number.
//
// When all attempts fail the returned error wraps the last error from fn.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(calculateBackoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// calculateBackoff computes the wait before the given attempt (attempt >= 1).
func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 && cfg.MaxRetries > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}
