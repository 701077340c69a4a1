// Package svcerr carries the coded error type shared by storage-backed services.
package svcerr

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable marks failures of the backing store (connection loss,
// timeouts, driver errors). Callers test for it with errors.Is.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ServiceError pairs a dotted "operation.reason" code with its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted error code.
func (e *ServiceError) Code() string {
	return e.code
}

// New builds a ServiceError for a domain failure.
func New(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Storage builds a ServiceError for a failed store round-trip.
func Storage(operation, reason string, cause error) error {
	if cause == nil {
		cause = ErrStorageUnavailable
	} else if !errors.Is(cause, ErrStorageUnavailable) {
		cause = fmt.Errorf("%w: %w", ErrStorageUnavailable, cause)
	}
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// CodeOf extracts the code from err, or "" when err carries none.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
