// Package errors defines the error taxonomy of the trackable engine.
//
// Permission denials are not errors: engine actions report them through their
// outcome. Everything here is either a caller bug (precondition), an integrity
// failure (constraint), or an expected lookup/state failure that carries a
// human-readable reason.
//
// Usage:
//
//	import trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
//
//	if trkerrors.IsRemoved(err) {
//	    // show "This object has been removed."
//	}
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRemoved indicates the record exists but has been removed.
	ErrRemoved = errors.New("removed")

	// ErrForbidden indicates an operation that cannot be carried out on the record.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrPrecondition indicates a programming error by the caller.
	ErrPrecondition = errors.New("precondition violated")

	// ErrConstraint indicates a failed integrity check on a head record.
	ErrConstraint = errors.New("constraint violated")

	// ErrConflict indicates a conflict with existing data.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation error")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRemoved reports whether any error in err's chain is ErrRemoved.
func IsRemoved(err error) bool {
	return errors.Is(err, ErrRemoved)
}

// IsForbidden reports whether any error in err's chain is ErrForbidden.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsPrecondition reports whether any error in err's chain is ErrPrecondition.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

// IsConstraint reports whether any error in err's chain is ErrConstraint.
func IsConstraint(err error) bool {
	return errors.Is(err, ErrConstraint)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// PreconditionError reports a caller bug such as merging records of different types.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition violated: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return ErrPrecondition
}

// Precondition builds a PreconditionError.
func Precondition(op, format string, args ...any) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// OperationError is a forbidden or invalid operation with a reason meant for users.
type OperationError struct {
	Op     string
	Reason string
}

func (e *OperationError) Error() string {
	return e.Reason
}

func (e *OperationError) Unwrap() error {
	return ErrForbidden
}

// Forbidden builds an OperationError.
func Forbidden(op, reason string) error {
	return &OperationError{Op: op, Reason: reason}
}

// ConstraintError is returned when a head record fails its integrity check.
type ConstraintError struct {
	Type   string
	ID     int64
	Reason string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s %d: constraint violated: %s", e.Type, e.ID, e.Reason)
}

func (e *ConstraintError) Unwrap() error {
	return ErrConstraint
}

// Constraint builds a ConstraintError.
func Constraint(typ string, id int64, reason string) error {
	return &ConstraintError{Type: typ, ID: id, Reason: reason}
}

// LookupError is a not-found or removed lookup failure.
type LookupError struct {
	Type    string
	ID      int64
	Message string
	kind    error
}

func (e *LookupError) Error() string {
	return e.Message
}

func (e *LookupError) Unwrap() error {
	return e.kind
}

// NotFound reports that no record of typ with id exists.
func NotFound(typ string, id int64) error {
	return &LookupError{Type: typ, ID: id, Message: "This object cannot be found", kind: ErrNotFound}
}

// Removed reports that the record exists but was removed.
func Removed(typ string, id int64) error {
	return &LookupError{Type: typ, ID: id, Message: "This object has been removed.", kind: ErrRemoved}
}
