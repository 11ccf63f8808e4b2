// Package apperror defines the stable error taxonomy used across the
// pipeline and its mapping onto RFC 7807 Problem Detail responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the taxonomy buckets from spec §7.
// It is the thing handlers switch on, never the error string.
type Kind string

const (
	KindBadInput             Kind = "bad-input"
	KindUnauthenticated      Kind = "unauthenticated"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not-found"
	KindTierInsufficient     Kind = "tier-insufficient"
	KindQuotaExceeded        Kind = "quota-exceeded"
	KindSubscriptionInactive Kind = "subscription-inactive"
	KindServiceUnavailable   Kind = "service-unavailable"
	KindRetrievalUnavailable Kind = "retrieval-unavailable"
	KindEmbeddingTimeout     Kind = "embedding-timeout"
	KindEmbeddingUnavailable Kind = "embedding-unavailable"
	KindLLMTimeout           Kind = "llm-timeout"
	KindLLMUnavailable       Kind = "llm-unavailable"
	KindLLMResponseInvalid   Kind = "llm-response-invalid"
	KindLLMRateLimited       Kind = "llm-rate-limited"
	KindInternal             Kind = "internal"
)

// statusByKind is the kind → HTTP status mapping named throughout spec §4 and §7.
var statusByKind = map[Kind]int{
	KindBadInput:             http.StatusBadRequest,
	KindUnauthenticated:      http.StatusUnauthorized,
	KindForbidden:            http.StatusForbidden,
	KindNotFound:             http.StatusNotFound,
	KindTierInsufficient:     http.StatusPaymentRequired,
	KindQuotaExceeded:        http.StatusTooManyRequests,
	KindSubscriptionInactive: http.StatusForbidden,
	KindServiceUnavailable:   http.StatusServiceUnavailable,
	KindRetrievalUnavailable: http.StatusServiceUnavailable,
	KindEmbeddingTimeout:     http.StatusGatewayTimeout,
	KindEmbeddingUnavailable: http.StatusServiceUnavailable,
	KindLLMTimeout:           http.StatusGatewayTimeout,
	KindLLMUnavailable:       http.StatusServiceUnavailable,
	KindLLMResponseInvalid:   http.StatusBadGateway,
	KindLLMRateLimited:       http.StatusTooManyRequests,
	KindInternal:             http.StatusInternalServerError,
}

// Error wraps an underlying cause with a taxonomy Kind and a user-facing
// detail string. The detail must never leak stack traces or internal ids.
type Error struct {
	Kind       Kind
	Detail     string
	RetryAfter int // seconds; 0 means omit the header
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error of the given kind with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error of the given kind, chaining cause for %w unwrapping.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// WithRetryAfter attaches a Retry-After hint (seconds) and returns the same error.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// As extracts an *Error from err, following the Unwrap chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// StatusFor returns the HTTP status for any error: taxonomy kind if present,
// else 500.
func StatusFor(err error) int {
	if e, ok := As(err); ok {
		return e.Status()
	}
	return http.StatusInternalServerError
}
