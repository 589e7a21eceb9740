// ABOUTME: Scope-based result filtering applied before a tool result leaves the gateway
// ABOUTME: Restricted fields are removed at every depth, never replaced with null

package dispatch

import (
	"github.com/assessor-labs/mcpgate/internal/registry"
	"github.com/assessor-labs/mcpgate/internal/scope"
)

// filterResult returns a copy of res without the fields whose required scope
// exceeds granted. The handler's maps are not modified.
func filterResult(res registry.Result, fields map[string]scope.Scope, granted scope.Scope) registry.Result {
	if res == nil {
		return registry.Result{}
	}
	if len(fields) == 0 {
		return res
	}
	return registry.Result(filterMap(res, fields, granted))
}

func filterMap(m map[string]any, fields map[string]scope.Scope, granted scope.Scope) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if required, restricted := fields[k]; restricted && !granted.Satisfies(required) {
			continue
		}
		out[k] = filterValue(v, fields, granted)
	}
	return out
}

func filterValue(v any, fields map[string]scope.Scope, granted scope.Scope) any {
	switch val := v.(type) {
	case map[string]any:
		return filterMap(val, fields, granted)
	case registry.Result:
		return filterMap(val, fields, granted)
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = filterMap(item, fields, granted)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = filterValue(item, fields, granted)
		}
		return out
	default:
		return v
	}
}
