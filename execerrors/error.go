// Package execerrors defines the error taxonomy shared by every step
// handler and the components that interpret handler failures.
package execerrors

import "errors"

// Kind is one of the eight taxonomy values a step failure can carry.
type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindAuth                 Kind = "auth"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindRateLimited          Kind = "rate_limited"
	KindUpstreamUnavailable  Kind = "upstream_unavailable"
	KindSecurityViolation    Kind = "security_violation"
	KindInternal             Kind = "internal"
)

// StepError is the structured error a handler or supervisor returns for a
// failed step. It wraps an optional cause so callers can still walk the
// chain with errors.Is/errors.As.
type StepError struct {
	Kind             Kind
	Message          string
	RetryPossible    bool
	TechnicalDetails string
	Cause            error
}

// New builds a StepError with no wrapped cause.
func New(kind Kind, message string) *StepError {
	return &StepError{Kind: kind, Message: message}
}

// NewWithCause builds a StepError wrapping an existing error.
func NewWithCause(kind Kind, message string, cause error) *StepError {
	return &StepError{Kind: kind, Message: message, Cause: cause}
}

// WithRetry returns a copy of the error with RetryPossible set.
func (e *StepError) WithRetry(possible bool) *StepError {
	clone := *e
	clone.RetryPossible = possible
	return &clone
}

// WithDetails returns a copy of the error carrying technical details (a
// compact stack summary, last HTTP status, etc).
func (e *StepError) WithDetails(details string) *StepError {
	clone := *e
	clone.TechnicalDetails = details
	return &clone
}

func (e *StepError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *StepError) Unwrap() error { return e.Cause }

// FromError coerces any error into a StepError, defaulting to KindInternal
// when it is not already one.
func FromError(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return New(KindInternal, err.Error())
}

// Retryable reports whether a Kind is ever eligible for internal retry,
// independent of the per-instance RetryPossible hint (which narrows it
// further for upstream_unavailable/internal cases).
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindUpstreamUnavailable:
		return true
	default:
		return false
	}
}
