package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryWithContext calls fn up to maxTries times until it returns a result and nil error,
// or until ctx is done. If maxTries <= 0, it defaults to 1.
// Returns ctx.Err() if the context is canceled, otherwise returns the last error.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if isContextErr(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// RetryErrWithContext is RetryWithContext for functions without a result.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, maxTries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Backoff retries an operation with jittered exponential delays between attempts.
// Only errors accepted by Retryable are retried; anything else is returned
// immediately.
type Backoff struct {
	Attempts  int
	Base      time.Duration
	Max       time.Duration
	Retryable func(error) bool
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The attempt number (starting at 1) is passed to fn.
// The returned int is the number of attempts made.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if ctx.Err() != nil {
			return i - 1, ctx.Err()
		}
		err := fn(ctx, i)
		if err == nil {
			return i, nil
		}
		lastErr = err
		if isContextErr(err) || (b.Retryable != nil && !b.Retryable(err)) {
			return i, err
		}
		if i == attempts {
			break
		}
		if err := SleepWithJitter(ctx, b.delay(i), b.delay(i)); err != nil {
			return i, err
		}
	}
	return attempts, lastErr
}

func (b Backoff) delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base << (attempt - 1)
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	return d
}

// SleepWithJitter waits base plus a random share of jitter, or until ctx is done.
func SleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
