package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned once a retry loop has used up every
// attempt without a single call to fn succeeding.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryResult reports how a retried call went: the value it eventually
// produced (or the zero value), how many tries that took, and the error
// from the final failing attempt, if any.
type RetryResult[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// RetryWithBackoff calls fn up to maxAttempts times, sleeping according to
// policy between failures.
//
// fn receives the current attempt number (1-indexed) and returns either a
// value on success or an error to trigger the next retry.
//
// ctx is checked before each attempt so a shutdown can interrupt a retry
// loop that's mid-backoff.
func RetryWithBackoff[T any](
	ctx context.Context,
	policy BackoffPolicy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		// Check context before each attempt
		if err := ctx.Err(); err != nil {
			result.LastError = lastErr
			return result, err
		}

		// Execute the function
		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		lastErr = err
		result.LastError = err

		// Don't sleep after the last attempt
		if attempt < maxAttempts {
			if err := SleepWithBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrMaxAttemptsExhausted
}

// RetryFunc calls RetryWithBackoff with DefaultPolicy and discards the
// attempt count, returning just the value and error a plain retry loop
// would want.
func RetryFunc[T any](
	ctx context.Context,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (T, error) {
	result, err := RetryWithBackoff(ctx, DefaultPolicy(), maxAttempts, fn)
	return result.Value, err
}

// RetrySimple is RetryFunc for callers that only care whether fn eventually
// succeeded, with no value to carry back.
func RetrySimple(
	ctx context.Context,
	maxAttempts int,
	fn func() error,
) error {
	_, err := RetryWithBackoff(ctx, DefaultPolicy(), maxAttempts, func(_ int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
