package common

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network or venue failures worth retrying.
	ErrTransient = errors.New("transient gateway error")
	// ErrUnsupported is returned for requests a venue cannot express.
	ErrUnsupported = errors.New("unsupported by venue")
)

type transientError struct {
	venue string
	err   error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%s: %v", e.venue, e.err)
}

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Transient wraps err so errors.Is(err, ErrTransient) holds while the
// original cause stays reachable.
func Transient(venue string, err error) error {
	if err == nil {
		return nil
	}
	return &transientError{venue: venue, err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
