// ABOUTME: Policy engine deciding whether a granted scope satisfies a tool's requirement
// ABOUTME: Scope ordering is total: READ_ONLY < READ_WRITE < ADMIN

package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/assessor-labs/mcpgate/internal/scope"
)

// ErrInsufficientScope is returned when a caller's scope is below the tool requirement.
var ErrInsufficientScope = errors.New("insufficient scope")

// Authorize reports whether tokenScope satisfies requiredScope.
// Invalid scopes on either side never authorize.
func Authorize(tokenScope, requiredScope scope.Scope) bool {
	return tokenScope.Satisfies(requiredScope)
}

// Require returns nil when granted satisfies required, or an ErrInsufficientScope
// describing the gap. The message is meant for logs and audit detail only.
func Require(toolName string, granted, required scope.Scope) error {
	if Authorize(granted, required) {
		return nil
	}

	tool := strings.TrimSpace(toolName)
	if tool == "" {
		tool = "unknown"
	}
	return fmt.Errorf("%w: tool %s requires %s (granted: %s)", ErrInsufficientScope, tool, required, granted)
}
