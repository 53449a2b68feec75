// Package retry runs an operation again after failures with a bounded number
// of attempts and a fixed or growing pause in between.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Pause after the first failure
	MaxWait     time.Duration // Upper bound for the pause (0 = unbounded)
	Multiplier  float64       // Backoff multiplier, 1 keeps the pause fixed

	// OnRetry runs after a retryable failure and before the pause, so callers
	// can clean up the half-done attempt.
	OnRetry func(attempt int, err error)
}

// Fixed returns a config with a constant pause between attempts.
func Fixed(attempts int, wait time.Duration) Config {
	return Config{MaxAttempts: attempts, InitialWait: wait, Multiplier: 1}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Do executes fn with retries. The error of the last attempt is returned
// unwrapped from its RetryableError marker.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = unwrap(err)

		if !IsRetryable(err) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}
		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.wait(attempt)):
		}
	}

	return lastErr
}

func (cfg Config) wait(attempt int) time.Duration {
	m := cfg.Multiplier
	if m <= 0 {
		m = 1
	}
	wait := float64(cfg.InitialWait) * math.Pow(m, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	return time.Duration(wait)
}

func unwrap(err error) error {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Err
	}
	return err
}
