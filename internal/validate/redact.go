// ABOUTME: Redaction of sensitive parameter values before they are audited
// ABOUTME: Values are replaced by a fixed marker, never dropped

package validate

// Redacted replaces sensitive values in audit output.
const Redacted = "[REDACTED]"

// Redact returns a copy of params with every Sensitive parameter replaced by
// Redacted. Unknown parameters are copied through unchanged.
func Redact(contract Contract, params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if param, ok := contract[k]; ok && param.Sensitive {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}
