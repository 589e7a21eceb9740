// ABOUTME: Structured dispatch errors carrying an error kind, HTTP status, and safe message
// ABOUTME: Messages are generic; the underlying cause is kept for the audit trail only

package dispatch

import (
	"net/http"
	"time"

	"github.com/assessor-labs/mcpgate/internal/validate"
)

// Kind classifies a failed request.
type Kind string

const (
	KindAuthentication   Kind = "authentication"
	KindAuthorization    Kind = "authorization"
	KindRateLimit        Kind = "rate_limit"
	KindValidation       Kind = "validation"
	KindUnknownTool      Kind = "unknown_tool"
	KindExecution        Kind = "execution"
	KindTimeout          Kind = "timeout"
	KindAuditUnavailable Kind = "audit_unavailable"
	KindBodyTooLarge     Kind = "body_too_large"
)

// Error is returned to callers in place of raw handler or system errors.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	Fields     []validate.Violation
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func (e *Error) Unwrap() error { return e.cause }

// Detail returns the internal cause for logging and auditing.
func (e *Error) Detail() string {
	if e.cause == nil {
		return e.Message
	}
	return e.cause.Error()
}

func newError(kind Kind, cause error) *Error {
	e := &Error{Kind: kind, cause: cause}
	switch kind {
	case KindAuthentication:
		e.Status, e.Message = http.StatusUnauthorized, "authentication required"
	case KindAuthorization:
		e.Status, e.Message = http.StatusForbidden, "insufficient permissions"
	case KindRateLimit:
		e.Status, e.Message = http.StatusTooManyRequests, "rate limit exceeded"
	case KindValidation:
		e.Status, e.Message = http.StatusBadRequest, "invalid input"
	case KindUnknownTool:
		e.Status, e.Message = http.StatusNotFound, "unknown tool"
	case KindTimeout:
		e.Status, e.Message = http.StatusGatewayTimeout, "tool execution timed out"
	case KindBodyTooLarge:
		e.Status, e.Message = http.StatusRequestEntityTooLarge, "request body too large"
	case KindAuditUnavailable:
		e.Status, e.Message = http.StatusServiceUnavailable, "service temporarily unavailable"
	default:
		e.Kind = KindExecution
		e.Status, e.Message = http.StatusInternalServerError, "internal error"
	}
	return e
}
