// Package errs defines the error taxonomy shared by the ledger, outbox worker
// and upstream executor. Classification drives retry decisions: validation and
// consistency errors are never retried, transient upstream errors are.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks bad caller input, e.g. a delta that would drive the
	// balance negative.
	ErrValidation = errors.New("validation error")

	// ErrRateLimited marks a locally denied request; carries a retry-after hint.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTransientUpstream marks a retryable upstream failure (5xx, 429, timeout).
	ErrTransientUpstream = errors.New("transient upstream error")

	// ErrTerminalUpstream marks a non-retryable upstream failure (other 4xx,
	// malformed payload).
	ErrTerminalUpstream = errors.New("terminal upstream error")

	// ErrConsistency marks a terminal state conflict, e.g. undoing an
	// already-undone change.
	ErrConsistency = errors.New("consistency error")

	// ErrQuotaExhausted marks an exhausted daily/global cap; requests fail fast
	// until the window resets.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrCredentialsNotFound is returned by the credential collaborator.
	ErrCredentialsNotFound = errors.New("credentials not found")

	// ErrNotFound marks a missing item or change record.
	ErrNotFound = errors.New("not found")
)

// Validation wraps a message as a validation error.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Consistency wraps a message as a consistency error.
func Consistency(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...))
}

// RateLimitError carries the retry hint from a denied rate-limit consumption.
type RateLimitError struct {
	Provider   string
	Bucket     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s/%s, retry after %s", e.Provider, e.Bucket, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// QuotaError reports a closed gate from an exhausted quota or an open breaker
// circuit. RetryAfter says when the gate reopens.
type QuotaError struct {
	Provider   string
	Bucket     string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exhausted for %s/%s, retry after %s", e.Provider, e.Bucket, e.RetryAfter)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExhausted }

// UpstreamError captures a classified HTTP failure from a marketplace.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s upstream error: HTTP %d: %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s upstream error: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	if IsRetryableStatus(e.Status) || e.Status == 0 {
		return ErrTransientUpstream
	}
	return ErrTerminalUpstream
}

// IsRetryableStatus reports whether an HTTP status is in the retryable set.
func IsRetryableStatus(status int) bool {
	switch status {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// Retryable reports whether an outbox failure should be rescheduled rather
// than terminally failed. Rate limits and exhausted quotas are temporal; both
// clear once their window resets.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientUpstream) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQuotaExhausted)
}
