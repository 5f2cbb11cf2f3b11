package backend

import (
	"errors"
	"fmt"
)

// ValidationError reports a request the backend refuses to accept as-is.
type ValidationError struct {
	Backend string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid request: %s", e.Backend, e.Reason)
	}
	return fmt.Sprintf("%s: invalid %s: %s", e.Backend, e.Field, e.Reason)
}

// TransientError is a backend failure eligible for retry and fallback.
type TransientError struct {
	Backend string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: delivery failed: %v", e.Backend, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(backend string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Backend: backend, Err: err}
}

// Permanent marks an error as not worth retrying on the same backend. The
// orchestrator still falls through to the next backend.
//
//	return backend.SendResult{}, backend.Permanent(fmt.Errorf("chat not found: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
