package util

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultRetryInterval is the first wait between attempts.
const DefaultRetryInterval = time.Second

// Retry runs op up to attempts times with exponential backoff starting at initial.
// It stops early when ctx is done. The last error is returned.
func Retry(ctx context.Context, name string, attempts int, initial time.Duration, op func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if initial <= 0 {
		initial = DefaultRetryInterval
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(attempt)
	}, policy, func(err error, wait time.Duration) {
		slog.Warn("Retry: attempt failed", "operation", name, "attempt", attempt, "max_attempts", attempts, "retry_in", wait, "error", err)
	})
}
