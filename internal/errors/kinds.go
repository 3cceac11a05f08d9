// Package errors provides the structured error type shared by every layer
// of the pipeline: adapters classify failures into a Kind, the orchestrator
// decides chunk-local vs document-fatal handling from the Kind, and the HTTP
// surface maps Kinds to status codes.
package errors

import "net/http"

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// KindInvalidInput indicates a caller error (bad options, empty document).
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound indicates a missing document, chunk, job, or session.
	KindNotFound Kind = "not_found"
	// KindAuthRequired indicates missing or rejected credentials.
	KindAuthRequired Kind = "auth_required"
	// KindRateLimited indicates an upstream 429; retriable, may carry a hint.
	KindRateLimited Kind = "rate_limited"
	// KindUpstreamUnavailable indicates an LLM, vector, or lexical outage; retriable.
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindTransientDatabase indicates a retriable database failure
	// (serialization conflict, dropped connection).
	KindTransientDatabase Kind = "transient_database"
	// KindFatalDatabase indicates a non-retriable database failure
	// (constraint violation, schema mismatch).
	KindFatalDatabase Kind = "fatal_database"
	// KindJobTimeout indicates the per-job soft timeout was exceeded.
	KindJobTimeout Kind = "job_timeout"
	// KindCancelled indicates cooperative cancellation. Never a failure;
	// it is its own terminal state.
	KindCancelled Kind = "cancelled"
	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "internal"
)

// retryableKinds are the kinds worth retrying with backoff.
var retryableKinds = map[Kind]bool{
	KindRateLimited:         true,
	KindUpstreamUnavailable: true,
	KindTransientDatabase:   true,
}

// Retryable reports whether the kind is worth retrying.
func (k Kind) Retryable() bool {
	return retryableKinds[k]
}

// HTTPStatus maps a kind to the status code the HTTP surface returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindJobTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
