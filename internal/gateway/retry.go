package gateway

import (
	"context"
	"errors"
	"time"
)

// RetryBaseDelay controls the base duration for exponential backoff on
// transient provider errors. Tests override this to avoid real sleeps.
var RetryBaseDelay = 500 * time.Millisecond

const defaultMaxRetries = 4

// WithRetry runs fn, retrying transient provider errors with exponential
// backoff and honouring rate-limit advisories. The delay starts at
// RetryBaseDelay and doubles each attempt; a BackoffError's RetryAfter
// takes precedence over the computed delay. Invalid tool calls and
// citation mismatches are never retried. When maxRetries is 0 the default
// (4) is used. If the context is cancelled during a wait, ctx.Err() is
// returned.
func WithRetry(ctx context.Context, maxRetries int, fn func() (Response, error)) (Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	delay := RetryBaseDelay
	for attempt := 0; ; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		if !retriable(err) || attempt >= maxRetries {
			return resp, err
		}

		wait := delay
		var backoff BackoffError
		if errors.As(err, &backoff) && backoff.RetryAfter > 0 {
			wait = backoff.RetryAfter
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}

func retriable(err error) bool {
	if errors.Is(err, ErrProviderTransient) {
		return true
	}
	var backoff BackoffError
	return errors.As(err, &backoff)
}
