// Package domain defines the entities, ports, and policies of the
// competitive-intelligence pipeline core.
package domain

import (
	"errors"
	"math/rand"
	"time"
)

// ScrapeRetryPolicy defines retry behavior for snapshot capture.
type ScrapeRetryPolicy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// BaseDelay is the backoff base; attempt N waits 2^N * BaseDelay.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// JitterMax bounds the random additive jitter.
	JitterMax time.Duration
}

// DefaultScrapeRetryPolicy returns the production defaults.
func DefaultScrapeRetryPolicy() ScrapeRetryPolicy {
	return ScrapeRetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		JitterMax:  time.Second,
	}
}

// NextDelay computes the wait before retrying after the given zero-based
// attempt: 2^attempt * BaseDelay plus up to JitterMax of jitter.
func (p ScrapeRetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 { // shift guard
		attempt = 16
	}
	delay := time.Duration(1<<uint(attempt)) * p.BaseDelay
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(p.JitterMax))) //nolint:gosec // jitter does not need crypto randomness
	}
	return delay
}

// RetryableScrapeError reports whether a capture error is worth another
// attempt. Transient fetch problems and invalid content are retried; bad
// input, missing entities, and persistence failures are not.
func RetryableScrapeError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ErrAdmissionDenied):
		return false
	case errors.Is(err, ErrContentInvalid), errors.Is(err, ErrScrapeFailed):
		return true
	default:
		// Unknown errors from drivers default to retryable.
		return true
	}
}
