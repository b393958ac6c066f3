package core

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrUnknownSource     = errors.New("unknown source")
	ErrUnroutable        = errors.New("no tenant owns this delivery")
	ErrNoHandler         = errors.New("no handler registered for source")
	// ErrAccessDenied marks a downstream 401/403. It is retried: a rotated or
	// revoked credential is an operator problem, not a bad payload.
	ErrAccessDenied = errors.New("downstream refused the relay's credentials")
)

// PermanentError marks a failure that retrying cannot fix, such as a payload
// the tax authority rejected as invalid. Jobs failing with it are
// dead-lettered without spending the remaining attempts.
type PermanentError struct {
	Reason  string
	Details map[string]any
	Err     error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a terminal failure.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsTerminal reports whether err, or anything it wraps, is a PermanentError.
func IsTerminal(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// FailureDetails returns the structured details carried by a terminal error.
func FailureDetails(err error) map[string]any {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Details
	}
	return nil
}
