// ABOUTME: Two-phase request validation: structural contract checks, then adversarial scan
// ABOUTME: Schema violations are collected; an attack match fails fast with a generic error

// Package validate checks raw tool parameters against a Contract.
//
// Structural checks collect every violation so a caller can fix them in one
// round trip. Every string value (including unknown parameters and array items)
// is also scanned for adversarial patterns. A match yields an AttackError and
// takes precedence over any structural violations.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrInvalidInput is matched by both SchemaError and AttackError.
var ErrInvalidInput = errors.New("invalid input")

// Violation is one structural problem with one parameter.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// SchemaError lists every structural violation found.
type SchemaError struct {
	Violations []Violation
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Message
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

func (e *SchemaError) Unwrap() error { return ErrInvalidInput }

// AttackError reports an adversarial pattern match. Error() never names the
// category; Category and Field are for security logging only.
type AttackError struct {
	Category Category
	Field    string
}

func (e *AttackError) Error() string { return ErrInvalidInput.Error() }

func (e *AttackError) Unwrap() error { return ErrInvalidInput }

// Validate checks raw against contract and returns normalized values with
// defaults applied. Numbers may arrive as json.Number, float64, or Go ints.
func Validate(contract Contract, raw map[string]any) (Params, error) {
	if attack := scanAll(raw); attack != nil {
		return nil, attack
	}

	var violations []Violation
	params := make(Params, len(contract))

	for _, name := range sortedKeys(raw) {
		if _, ok := contract[name]; !ok {
			violations = append(violations, Violation{Field: name, Message: "unknown parameter"})
		}
	}

	for _, name := range contract.Names() {
		param := contract[name]
		value, present := raw[name]
		if !present || value == nil {
			if param.Required {
				violations = append(violations, Violation{Field: name, Message: "is required"})
			} else if param.Default != nil {
				if normalized, vs := checkValue(name, param, param.Default); len(vs) == 0 {
					params[name] = normalized
				}
			}
			continue
		}

		normalized, vs := checkValue(name, param, value)
		violations = append(violations, vs...)
		if len(vs) == 0 {
			params[name] = normalized
		}
	}

	if len(violations) > 0 {
		return nil, &SchemaError{Violations: violations}
	}
	return params, nil
}

// scanAll runs the adversarial scan over every string in raw, in key order.
func scanAll(raw map[string]any) *AttackError {
	for _, name := range sortedKeys(raw) {
		if err := scanValue(name, raw[name]); err != nil {
			return err
		}
	}
	return nil
}

func scanValue(path string, v any) *AttackError {
	switch val := v.(type) {
	case string:
		if cat, ok := Scan(val); ok {
			return &AttackError{Category: cat, Field: path}
		}
	case []any:
		for i, item := range val {
			if err := scanValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	case []string:
		for i, item := range val {
			if err := scanValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			if err := scanValue(path+"."+k, val[k]); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkValue(path string, param Param, value any) (any, []Violation) {
	switch param.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, []Violation{{path, "must be a string"}}
		}
		return s, checkString(path, param, s)

	case TypeInteger:
		f, ok := toFloat(value)
		if !ok {
			return nil, []Violation{{path, "must be an integer"}}
		}
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, []Violation{{path, "must be an integer"}}
		}
		return int64(f), checkRange(path, param, f)

	case TypeNumber:
		f, ok := toFloat(value)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, []Violation{{path, "must be a number"}}
		}
		return f, checkRange(path, param, f)

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, []Violation{{path, "must be a boolean"}}
		}
		return b, nil

	case TypeArray:
		items, ok := toSlice(value)
		if !ok {
			return nil, []Violation{{path, "must be an array"}}
		}
		var violations []Violation
		if param.MaxItems > 0 && len(items) > param.MaxItems {
			violations = append(violations, Violation{path, fmt.Sprintf("must have at most %d items", param.MaxItems)})
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			if item == nil {
				violations = append(violations, Violation{itemPath, "must not be null"})
				continue
			}
			normalized, vs := checkValue(itemPath, *param.Items, item)
			violations = append(violations, vs...)
			out = append(out, normalized)
		}
		return out, violations
	}

	return nil, []Violation{{path, fmt.Sprintf("has unsupported type %q", param.Type)}}
}

func checkString(path string, param Param, s string) []Violation {
	var violations []Violation
	if !utf8.ValidString(s) {
		return []Violation{{path, "must be valid UTF-8"}}
	}
	n := utf8.RuneCountInString(s)
	if param.MinLength > 0 && n < param.MinLength {
		violations = append(violations, Violation{path, fmt.Sprintf("must be at least %d characters", param.MinLength)})
	}
	if param.MaxLength > 0 && n > param.MaxLength {
		violations = append(violations, Violation{path, fmt.Sprintf("must be at most %d characters", param.MaxLength)})
	}
	if len(param.Enum) > 0 && !contains(param.Enum, s) {
		violations = append(violations, Violation{path, "must be one of " + strings.Join(param.Enum, ", ")})
	}
	return violations
}

func checkRange(path string, param Param, f float64) []Violation {
	var violations []Violation
	if param.Min != nil && f < *param.Min {
		violations = append(violations, Violation{path, fmt.Sprintf("must be >= %v", *param.Min)})
	}
	if param.Max != nil && f > *param.Max {
		violations = append(violations, Violation{path, fmt.Sprintf("must be <= %v", *param.Max)})
	}
	return violations
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
