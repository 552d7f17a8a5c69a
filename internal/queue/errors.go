package queue

import (
	"context"
	"errors"
	"net"
	"syscall"
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps an error so the runtime classifies it as a
// connection-level problem: retried by the broker but not counted as a
// functional job failure.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err looks like a transport problem rather
// than a functional failure: timeouts, refused or reset connections,
// broker unavailability, or an explicit MarkTransient wrap.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
