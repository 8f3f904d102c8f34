package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrClosed indicates the store has been shut down.
	ErrClosed = errors.New("store: closed")
)

// TransientError marks a failure that may succeed on retry: connection drops,
// notification gaps, timeouts. Consumers absorb these behind a stale flag
// where a last-known-good snapshot exists.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err represents a recoverable connectivity
// failure rather than a permanent rejection.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
