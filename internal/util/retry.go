package util

import (
	"context"
	"time"
)

// RetryPolicy bounds how often a remote call is attempted.
// Multiplier 0 or 1 keeps the delay fixed; above 1 it grows exponentially.
type RetryPolicy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
}

// DefaultRetryPolicy is three attempts one second apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Second}

// Retry runs fn until it succeeds, returns an error retryable rejects, or the attempts are
// spent. The last error is returned. A nil retryable retries every error.
func Retry(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.Delay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
		if policy.Multiplier > 1 {
			delay = time.Duration(float64(delay) * policy.Multiplier)
		}
	}
	return err
}
