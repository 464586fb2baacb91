package graph

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy configures retries of provider calls (chat completions,
// image generation, media analysis).
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. 1 disables retries.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether an error is worth another attempt. Nil
	// means IsTransient.
	Retryable func(error) bool
}

// DefaultRetryPolicy allows one bounded retry on transient failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Retryable:   IsTransient,
	}
}

// Validate checks MaxAttempts >= 1 and, when both delays are set, that
// MaxDelay >= BaseDelay.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// IsTransient matches errors that usually clear on retry: timeouts,
// connection failures, rate limits and 5xx responses. Cancellation is never
// transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "timed out", "network", "connection", "temporary",
		"rate limit", "overloaded", "429", "500", "502", "503", "504",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// computeBackoff returns min(base*2^attempt, maxDelay) plus up to base of
// jitter. attempt is zero-based.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	}
	return delay + jitter
}

// withRetry runs fn until it succeeds, the policy gives up, or ctx ends.
// It returns the number of attempts made.
func withRetry(ctx context.Context, rp RetryPolicy, fn func(context.Context) error) (int, error) {
	attempts := rp.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := rp.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(computeBackoff(attempt-1, rp.BaseDelay, rp.MaxDelay, nil))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
		if err = fn(ctx); err == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return attempt + 1, err
		}
	}
	return attempts, err
}
