// Package resilience provides small retry helpers for provider calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllAttemptsFailed is returned when every attempt of a [Retry] call fails.
var ErrAllAttemptsFailed = errors.New("resilience: all attempts failed")

// Retry runs fn up to attempts times and returns the first successful result.
// Attempts are sequential with no backoff; the call sites here talk to LLM
// endpoints where an immediate retry is the desired policy. Returns
// [ErrAllAttemptsFailed] wrapped with the last error once attempts are
// exhausted, or the context error if ctx is done between attempts.
func Retry[R any](ctx context.Context, attempts int, name string, fn func(context.Context) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < attempts {
			slog.Warn("attempt failed, retrying",
				"op", name, "attempt", i, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %s: %v", ErrAllAttemptsFailed, name, lastErr)
}
