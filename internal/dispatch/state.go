// ABOUTME: Request lifecycle states and the audit status each terminal outcome maps to
// ABOUTME: Transitions only move forward; terminal states end the pipeline

package dispatch

import (
	"net/http"

	"github.com/assessor-labs/mcpgate/internal/audit"
)

// State is a step in the request lifecycle.
type State int

const (
	StateReceived State = iota
	StateAuthenticated
	StateAuthorized
	StateRateChecked
	StateValidated
	StateExecuting
	StateCompleted
	StateFailed
	StateRejected
)

var stateNames = [...]string{
	StateReceived:      "received",
	StateAuthenticated: "authenticated",
	StateAuthorized:    "authorized",
	StateRateChecked:   "rate_checked",
	StateValidated:     "validated",
	StateExecuting:     "executing",
	StateCompleted:     "completed",
	StateFailed:        "failed",
	StateRejected:      "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends the pipeline.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRejected
}

// auditStatus maps a response status code to the audit record status.
func auditStatus(httpStatus int) audit.Status {
	switch httpStatus {
	case http.StatusOK:
		return audit.StatusSuccess
	case http.StatusBadRequest, http.StatusInternalServerError, http.StatusGatewayTimeout:
		return audit.StatusError
	default:
		return audit.StatusRejected
	}
}
