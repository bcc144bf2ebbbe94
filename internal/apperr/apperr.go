// Package apperr defines the failure taxonomy shared by the client and server
// halves of the collection ledger. Every failure path produces one of these
// typed outcomes; none of them is fatal to the process.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSubmission marks an idempotent replay. It is informational:
	// the submission is treated as success.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrNoCachedData is returned when a read cannot reach the network and no
	// cached response exists for the identical request signature.
	ErrNoCachedData = errors.New("no cached data")

	// ErrOffline is the outcome of a write attempted while the network is down.
	ErrOffline = errors.New("offline")
)

// ValidationError is a user-fixable input problem. It is never retried as-is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientNetworkError wraps a failure that may succeed on retry
// (timeouts, connection errors, 5xx).
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string {
	return "transient network error: " + e.Err.Error()
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientNetworkError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientNetworkError{Err: err}
}

// StorageUnavailable reports that device storage could not be opened or
// written. Writes degrade to a best-effort in-memory attempt.
type StorageUnavailable struct {
	Err error
}

func (e *StorageUnavailable) Error() string {
	return "storage unavailable: " + e.Err.Error()
}

func (e *StorageUnavailable) Unwrap() error { return e.Err }

// Storage wraps err as StorageUnavailable.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return &StorageUnavailable{Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTransient reports whether err is (or wraps) a TransientNetworkError or ErrOffline.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t) || errors.Is(err, ErrOffline)
}

// IsStorage reports whether err is (or wraps) StorageUnavailable.
func IsStorage(err error) bool {
	var s *StorageUnavailable
	return errors.As(err, &s)
}
