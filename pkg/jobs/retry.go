package jobs

import (
	"errors"
	"time"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
)

// RetryPolicy defines retry behavior for failed jobs.
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffFactor:  2.0,
	}
}

// CalculateBackoff returns the delay before retry number attempt.
func (p RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffFactor)
		if backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// RetryDecision represents the decision about whether to retry.
type RetryDecision struct {
	ShouldRetry     bool
	BackoffDuration time.Duration
	Reason          string
}

// DecideRetry decides whether a job that failed with err on attempt should run again.
func (p RetryPolicy) DecideRetry(err error, attempt int) RetryDecision {
	if attempt >= p.MaxRetries {
		return RetryDecision{Reason: "max retries exceeded"}
	}
	if errors.Is(err, ErrUnknownKind) {
		return RetryDecision{Reason: "permanent error: unknown kind"}
	}
	if !trkerrors.IsRetryable(err) {
		return RetryDecision{Reason: "permanent error: " + string(trkerrors.Classify(err))}
	}
	return RetryDecision{
		ShouldRetry:     true,
		BackoffDuration: p.CalculateBackoff(attempt),
		Reason:          "retryable error",
	}
}
