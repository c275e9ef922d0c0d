// Package retry runs an operation again after transient failures, with
// exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times. It stops on success, on a
// *PermanentError (returning the wrapped error), or when ctx is done.
// baseDelay doubles after each failed attempt, with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}

	return err
}

// DoIf is Do for callers that classify errors themselves: only errors for
// which retryable returns true are attempted again.
func DoIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	return Do(ctx, maxAttempts, baseDelay, func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return Permanent(err)
		}
		return err
	})
}

func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	return d - jitter + time.Duration(randInt63n(int64(2*jitter+1)))
}

// randInt63n returns a random int64 in [0, n) using crypto/rand.
func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, result < n
}
