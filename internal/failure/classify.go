// Package failure classifies pipeline errors, computes retry backoff, and
// drives dead-letter recording and operator replay.
package failure

import (
	"context"
	"errors"
	"time"
)

// Error classes are the wire-stable identity of a failure. Adding one is a
// schema-evolution event.
const (
	ClassNetworkTimeout      = "NETWORK_TIMEOUT"
	ClassUpstream5xx         = "UPSTREAM_5XX"
	ClassTCPReset            = "TCP_RESET"
	ClassRateLimited         = "RATE_LIMITED"
	ClassUpstreamInternal    = "UPSTREAM_INTERNAL"
	ClassConflict            = "CONFLICT"
	ClassSchemaInvalid       = "SCHEMA_INVALID"
	ClassMissingField        = "MISSING_FIELD"
	ClassInvalidJSON         = "INVALID_JSON"
	ClassAuthDenied          = "AUTH_DENIED"
	ClassPermissionDenied    = "PERMISSION_DENIED"
	ClassNotFoundPermanent   = "NOT_FOUND_PERMANENT"
	ClassContentPolicyReject = "CONTENT_POLICY_REJECT"
	ClassInvariantViolation  = "INVARIANT_VIOLATION"
)

var retryable = map[string]bool{
	ClassNetworkTimeout:   true,
	ClassUpstream5xx:      true,
	ClassTCPReset:         true,
	ClassRateLimited:      true,
	ClassUpstreamInternal: true,
	ClassConflict:         true,
}

// Retryable reports whether the class is eligible for backoff retries.
func Retryable(class string) bool {
	return retryable[class]
}

// Error tags an underlying error with its class and an optional upstream
// Retry-After hint.
type Error struct {
	Class      string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Class
	}
	return e.Class + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given class.
func New(class string, err error) *Error {
	return &Error{Class: class, Err: err}
}

// WithRetryAfter attaches the upstream's Retry-After hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Classify extracts the error class. Unclassified errors are treated as
// internal bugs: the pipeline must never retry blindly on an unknown failure.
func Classify(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetworkTimeout
	}
	return ClassInvariantViolation
}

// RetryAfterHint returns the upstream Retry-After carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.RetryAfter
	}
	return 0
}
