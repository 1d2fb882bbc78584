package errors

import (
	"context"
	"errors"
)

// ErrorCode is a stable machine-readable classification of an engine error.
type ErrorCode string

const (
	CodeNotFound     ErrorCode = "not_found"
	CodeRemoved      ErrorCode = "removed"
	CodeForbidden    ErrorCode = "forbidden"
	CodeInvalidState ErrorCode = "invalid_state"
	CodePrecondition ErrorCode = "precondition"
	CodeConstraint   ErrorCode = "constraint"
	CodeConflict     ErrorCode = "conflict"
	CodeValidation   ErrorCode = "validation"
	CodeCancelled    ErrorCode = "cancelled"
	CodeInternal     ErrorCode = "internal"
)

// GenericFailureMessage is shown to moderation callers when an action fails unexpectedly.
const GenericFailureMessage = "Sorry. There was an unexpected problem. Please try again later."

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code        ErrorCode
	Retryable   bool
	Description string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	CodeNotFound:     {Code: CodeNotFound, Description: "Record does not exist"},
	CodeRemoved:      {Code: CodeRemoved, Description: "Record exists but has been removed"},
	CodeForbidden:    {Code: CodeForbidden, Description: "Operation cannot be carried out on this record"},
	CodeInvalidState: {Code: CodeInvalidState, Description: "Operation is not valid in the record's current state"},
	CodePrecondition: {Code: CodePrecondition, Description: "Caller violated an engine precondition"},
	CodeConstraint:   {Code: CodeConstraint, Description: "Head record failed its integrity check"},
	CodeConflict:     {Code: CodeConflict, Retryable: true, Description: "Concurrent modification of the same rows"},
	CodeValidation:   {Code: CodeValidation, Description: "Invalid input"},
	CodeCancelled:    {Code: CodeCancelled, Description: "Operation cancelled"},
	CodeInternal:     {Code: CodeInternal, Retryable: true, Description: "Unexpected failure"},
}

// Classify returns the code for err. A nil error has no code.
func Classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	case IsRemoved(err):
		return CodeRemoved
	case IsNotFound(err):
		return CodeNotFound
	case IsPrecondition(err):
		return CodePrecondition
	case IsConstraint(err):
		return CodeConstraint
	case IsForbidden(err):
		return CodeForbidden
	case IsInvalidState(err):
		return CodeInvalidState
	case IsConflict(err):
		return CodeConflict
	case IsValidation(err):
		return CodeValidation
	default:
		return CodeInternal
	}
}

// IsRetryable reports whether a job that failed with err should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ErrorCodeRegistry[Classify(err)].Retryable
}

// UserMessage returns text that is safe to show to an end user.
// Lookup and forbidden errors carry their own reason; anything else is generic.
func UserMessage(err error) string {
	var lookup *LookupError
	if errors.As(err, &lookup) {
		return lookup.Message
	}
	var op *OperationError
	if errors.As(err, &op) {
		return op.Reason
	}
	return GenericFailureMessage
}
