package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct match", ErrNotFound, true},
		{"wrapped once", fmt.Errorf("get team: %w", ErrNotFound), true},
		{"lookup error", NotFound("team", 4), true},
		{"removed lookup", Removed("team", 4), false},
		{"different error", ErrConflict, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"precondition", Precondition("merge", "types differ: %s vs %s", "team", "game"), IsPrecondition},
		{"operation", Forbidden("unmerge", "never merged"), IsForbidden},
		{"constraint", Constraint("game", 3, "team plays itself"), IsConstraint},
		{"removed", Removed("team", 1), IsRemoved},
		{"wrapped precondition", fmt.Errorf("failed to merge: %w", Precondition("merge", "x")), IsPrecondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("%v did not match its sentinel", tt.err)
			}
		})
	}
}

func TestPreconditionError_Message(t *testing.T) {
	err := Precondition("merge", "types differ: %s vs %s", "team", "game")
	want := "merge: precondition violated: types differ: team vs game"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"not found", NotFound("team", 1), CodeNotFound},
		{"removed", Removed("team", 1), CodeRemoved},
		{"forbidden", Forbidden("unmerge", "no"), CodeForbidden},
		{"constraint", Constraint("game", 1, "bad"), CodeConstraint},
		{"precondition", Precondition("merge", "bad"), CodePrecondition},
		{"cancelled", fmt.Errorf("wait: %w", context.Canceled), CodeCancelled},
		{"unknown", errors.New("disk full"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
	if IsRetryable(Precondition("merge", "bad")) {
		t.Error("precondition errors should not be retryable")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("unclassified errors should be retryable")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"removed", Removed("team", 1), "This object has been removed."},
		{"not found", NotFound("team", 1), "This object cannot be found"},
		{"forbidden", Forbidden("unmerge", "This object cannot be unmerged because it was never merged."), "This object cannot be unmerged because it was never merged."},
		{"internal", errors.New("pq: deadlock detected"), GenericFailureMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
