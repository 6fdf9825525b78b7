package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// NoRetry marks an error as non-retryable.
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Skipped marks a task result as "did no work on purpose" (for example the
// job lease was held elsewhere). Skipped results are never retried and are
// reported as skipped rather than failed.
func Skipped(reason error) error {
	if reason == nil {
		reason = ErrOverlapSkip
	}
	return skippedError{err: reason}
}

func IsSkipped(err error) bool {
	var e skippedError
	return errors.As(err, &e) || errors.Is(err, ErrOverlapSkip)
}

type skippedError struct{ err error }

func (e skippedError) Error() string { return fmt.Sprintf("skipped: %v", e.err) }
func (e skippedError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying (e.g. an HTTP 429
// Retry-After). The engine bounds it by RetryMaxDelay and adds jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
