package order

import (
	"errors"
	"fmt"

	"orderflow/pkg/exchanges/common"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	// ErrInvariant reports a request that would break the order lifecycle,
	// such as executing an order that is already in flight or terminal.
	ErrInvariant = errors.New("invariant violation")
	// ErrTransient is re-exported so callers can classify gateway failures
	// without importing the exchange packages.
	ErrTransient = common.ErrTransient

	errInFlight = errors.New("execution already in flight")
)

// ValidationError names the request field that was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
