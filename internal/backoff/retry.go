package backoff

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry calls fn until it succeeds, returns an error retryable rejects, ctx
// is done or maxAttempts calls have been made. A nil retryable retries every
// error. It returns the number of attempts made.
func Retry(ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) error) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			return attempt, err
		}
	}
	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}

// Do is Retry for operations that produce a value.
func Do[T any](ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var value T
	_, err := Retry(ctx, policy, maxAttempts, retryable, func(attempt int) error {
		v, err := fn(attempt)
		if err == nil {
			value = v
		}
		return err
	})
	return value, err
}
