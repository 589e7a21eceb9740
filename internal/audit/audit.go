// ABOUTME: Audit record and security event types plus the pluggable Sink interface
// ABOUTME: RedactText scrubs credentials from free-text error details before they are stored

package audit

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrUnavailable means the audit trail cannot accept more work. Callers must
// not execute tools while it is returned.
var ErrUnavailable = errors.New("audit log unavailable")

// ErrInvalidRecord is returned for records missing a request ID or with the
// wrong status for the operation.
var ErrInvalidRecord = errors.New("invalid audit record")

// ErrRejected is wrapped by sinks when a write can never succeed, such as a
// duplicate event or an already finalized record. The logger does not retry it.
var ErrRejected = errors.New("audit write rejected")

// ErrClosed is returned by writes after the logger has stopped.
var ErrClosed = errors.New("audit logger closed")

// Status is the lifecycle state of an audit record.
type Status string

const (
	StatusStarting Status = "starting"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusRejected Status = "rejected"
)

// Terminal reports whether s finalizes a record.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusRejected
}

// Category classifies a security event.
type Category string

const (
	CategorySQLInjection      Category = "sql_injection"
	CategoryXSS               Category = "xss"
	CategoryCommandInjection  Category = "command_injection"
	CategoryPathTraversal     Category = "path_traversal"
	CategoryRateLimitExceeded Category = "rate_limit_exceeded"
)

// Record is one request's audit entry. Parameters must already be redacted.
type Record struct {
	RequestID   string         `json:"requestId"`
	Identity    string         `json:"identity"`
	ToolName    string         `json:"toolName"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      Status         `json:"status"`
	HTTPStatus  int            `json:"httpStatus,omitempty"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     time.Time      `json:"endTime,omitzero"`
	ErrorDetail string         `json:"errorDetail,omitempty"`
}

// SecurityEvent records detected adversarial input or abuse.
type SecurityEvent struct {
	RequestID string    `json:"requestId"`
	Category  Category  `json:"category"`
	Identity  string    `json:"identity"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink durably stores audit data. Calls come from a single writer goroutine.
type Sink interface {
	Start(ctx context.Context, rec Record) error
	Finish(ctx context.Context, rec Record) error
	Security(ctx context.Context, ev SecurityEvent) error
	Close() error
}

var (
	bearerPattern   = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	apiKeyPattern   = regexp.MustCompile(`\bmcpk_[0-9a-f]{16}_[A-Za-z0-9_\-]+`)
	keyValuePattern = regexp.MustCompile(`(?i)\b(token|secret|password|authorization|api_?key)\s*([:=])\s*([^\s,;]+)`)
)

// RedactText removes bearer tokens, API keys, and key=value secrets from s.
func RedactText(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	out := bearerPattern.ReplaceAllString(trimmed, "Bearer [REDACTED]")
	out = apiKeyPattern.ReplaceAllString(out, "mcpk_[REDACTED]")
	return keyValuePattern.ReplaceAllString(out, "${1}${2}[REDACTED]")
}
