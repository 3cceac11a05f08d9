package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Error is the structured error type used across the pipeline.
type Error struct {
	// Kind classifies the failure for retry and HTTP mapping.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Hint is an optional actionable suggestion surfaced to API callers.
	Hint string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// RetryAfter is an optional server-supplied backoff hint (rate limits).
	RetryAfter time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Kind so errors.Is works across wrap layers.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail. Returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithHint attaches an actionable suggestion for API callers.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithRetryAfter attaches a server-supplied retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// New creates a structured error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
// Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// InvalidInput creates a client-visible validation error.
func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message)
}

// NotFound creates a missing-resource error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Upstream creates a retriable upstream-outage error.
func Upstream(message string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: message, Cause: cause}
}

// Cancelled creates a cancellation marker error.
func Cancelled(message string) *Error {
	return New(KindCancelled, message)
}

// KindOf extracts the kind from any error. Plain errors report KindInternal;
// context cancellation reports KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if stderrors.As(err, &se) {
		return se.Kind
	}
	if stderrors.Is(err, contextCanceled) || stderrors.Is(err, contextDeadline) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether the error's kind is worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// IsCancelled reports whether the error marks cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// As is a convenience wrapper around the standard errors.As for *Error.
func As(err error) (*Error, bool) {
	var se *Error
	ok := stderrors.As(err, &se)
	return se, ok
}
