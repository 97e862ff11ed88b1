package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateDefinition = errors.New("queue: definition already registered")
	ErrUnknownDefinition   = errors.New("queue: no definition for queue/handler")
	ErrInvalidDefinition   = errors.New("queue: invalid definition")
)

// NoRetry marks a handler error as permanent. The job goes straight to the
// dead-letter state without using its remaining attempts.
//
//	return queue.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter suggests how long to wait before the next attempt, e.g. from a
// downstream Retry-After header. The hint is bounded by the lane's backoff
// cap.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
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
