// Package faults defines the error taxonomy shared by the HTTP layer, the
// job runner, and the upstream adapters.
//
// Adapters classify raw errors into one of the Kind values; the job runner
// decides retry vs. dead-letter based only on the classified kind, and the
// API layer maps kinds to HTTP status codes. Raw upstream responses never
// cross this boundary.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the classification of an error, independent of its origin.
type Kind int

const (
	// KindValidation is a client fault: malformed payload, missing field.
	KindValidation Kind = iota
	// KindAuth is a bad/missing signature, bad verify token, or expired credential.
	KindAuth
	// KindTenant is an unknown, suspended, or misconfigured tenant.
	KindTenant
	// KindPolicy is a platform-policy rejection: outside-window without
	// template, content-filter hit. Job-terminal, surfaced to operators.
	KindPolicy
	// KindUpstreamTransient covers 5xx, 429, and timeouts. Retried with
	// backoff and counted by the circuit breaker.
	KindUpstreamTransient
	// KindUpstreamTerminal covers semantic 4xx rejections (bad subscriber,
	// blocked user). Never retried; never counted by the breaker.
	KindUpstreamTerminal
	// KindInternal is storage unavailability or an invariant violation.
	KindInternal
)

// String returns the stable name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindTenant:
		return "tenant"
	case KindPolicy:
		return "policy"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamTerminal:
		return "upstream_terminal"
	default:
		return "internal"
	}
}

// Retryable reports whether a job failing with this kind should be retried.
func (k Kind) Retryable() bool {
	return k == KindUpstreamTransient || k == KindInternal
}

// CountsForBreaker reports whether this kind counts as a circuit-breaker
// failure. Semantic rejections do not: the upstream is healthy, the request
// was wrong.
func (k Kind) CountsForBreaker() bool {
	return k == KindUpstreamTransient
}

// Error is a classified error with a stable code suitable for API responses
// and log correlation. The wrapped cause is for logs only and must never be
// returned to callers outside the process.
type Error struct {
	Kind Kind
	Code string // stable, e.g. "INVALID_SIGNATURE", "TEMPLATE_REQUIRED"
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification of err. Unclassified errors are
// internal by definition: only adapters and validators classify.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code of err, or "INTERNAL" when unclassified.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "INTERNAL"
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return kind == KindInternal
}

// Well-known error codes shared across components.
const (
	CodeMissingSignature  = "MISSING_SIGNATURE"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeBadSecret         = "BAD_SECRET"
	CodeMalformedPayload  = "MALFORMED_PAYLOAD"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeUnknownTenant     = "UNKNOWN_TENANT"
	CodeTenantSuspended   = "TENANT_SUSPENDED"
	CodeTenantMisconfig   = "TENANT_MISCONFIGURED"
	CodeTemplateRequired  = "TEMPLATE_REQUIRED"
	CodePolicyViolation   = "POLICY_VIOLATION"
	CodeUpstreamOpen      = "UPSTREAM_OPEN"
	CodeRateLimited       = "RATE_LIMITED"
	CodeNotSubscribed     = "NOT_SUBSCRIBED"
	CodeCancelledDeadline = "CANCELLED_DEADLINE"
	CodeTokenExpired      = "TOKEN_EXPIRED"
)
