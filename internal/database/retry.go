package database

import (
	"context"
	"math"
	"math/rand"
	"time"

	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
)

// maxRetryDelay caps the exponential backoff between attempts.
const maxRetryDelay = 15 * time.Minute

// retryPolicy retries transient backend failures with exponential backoff
// and jitter. Only errors marked retryable (throttling, vague internal
// engine errors) are retried; a SQL syntax error fails on the first attempt.
type retryPolicy struct {
	// maxAttempts is the total number of attempts per statement (>= 1).
	maxAttempts int

	// baseDelay is the wait after the first failed attempt; it doubles
	// after each subsequent failure.
	baseDelay time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxAttempts: 1, baseDelay: time.Second}
}

func (p retryPolicy) do(ctx context.Context, operation func() error) error {
	attempts := p.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !gauerrors.IsRetryable(lastErr) || attempt == attempts-1 {
			return lastErr
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * p.baseDelay
		if backoff > maxRetryDelay {
			backoff = maxRetryDelay
		}
		// Jitter between 50% and 100% of the computed backoff.
		backoff = time.Duration(float64(backoff) * (0.5 + 0.5*rand.Float64()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
