// Package retry runs an operation a bounded number of times with
// configurable backoff between attempts.
//
// An attempt's error decides what happens next: transient errors (as judged by
// the policy's Retryable func) trigger another attempt, anything else stops
// immediately. Context cancellation always wins over the backoff timer.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// Backoff supplies the delay before each retry.
	Backoff BackoffStrategy

	// Retryable decides whether an error deserves another attempt.
	// A nil func retries every error.
	Retryable func(error) bool
}

// DefaultPolicy is tuned for short provider API calls: three attempts with
// quick exponential backoff so a user-facing request never hangs for long.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff: ExponentialBackoff{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
			JitterFactor:    0.1,
		},
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or the context is done. The last attempt's error is returned.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff{}
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = fn(ctx); err == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(backoff.NextInterval(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
