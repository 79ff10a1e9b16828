package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for typed error checking. Every error returned by this
// package matches exactly one of them under errors.Is.
var (
	ErrValidation       = errors.New("invalid request")
	ErrNotFound         = errors.New("not found")
	ErrConcurrencyLimit = errors.New("too many concurrent executions")
	ErrConflict         = errors.New("conflicting state")
	ErrPersistence      = errors.New("persistence failure")
	ErrDispatch         = errors.New("dispatch failure")
)

// Error wraps a failure with execution context.
type Error struct {
	ExecutionID string
	Op          string // The operation that failed
	Kind        error  // One of the sentinels above
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ExecutionID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecutionID, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// Message is the client-facing description: the cause without the op prefix.
func (e *Error) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Error()
}

func newError(kind error, op, id string, err error) *Error {
	return &Error{ExecutionID: id, Op: op, Kind: kind, Err: err}
}

func validationf(op, id, format string, args ...any) *Error {
	return newError(ErrValidation, op, id, fmt.Errorf(format, args...))
}

func IsValidation(err error) bool       { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsConcurrencyLimit(err error) bool { return errors.Is(err, ErrConcurrencyLimit) }
func IsConflict(err error) bool         { return errors.Is(err, ErrConflict) }
func IsPersistence(err error) bool      { return errors.Is(err, ErrPersistence) }
