package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bidcraft/bidcraft/internal/llm"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

// IsThrottlingError reports whether err indicates rate limiting or
// transient overload, where a short backoff is likely to help. Anything
// else is treated as fatal by the dispatch path.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}

	var be *schema.BidcraftError
	if errors.As(err, &be) {
		return be.IsRetryable()
	}
	if llm.IsThrottled(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"throttl", "rate limit", "too many requests", "429"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before the given retry attempt
// (1-based) under exponential doubling, capped at max. A non-positive
// base or max falls back to sane defaults.
func ComputeBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff, returning early with
// the context error if ctx is cancelled first.
func WaitForBackoff(ctx context.Context, base time.Duration, attempt int, max time.Duration) error {
	delay := ComputeBackoff(base, attempt, max)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
