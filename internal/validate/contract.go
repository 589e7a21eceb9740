// ABOUTME: Parameter contracts describing the typed inputs a tool accepts
// ABOUTME: A contract is data interpreted by Validate, serialized for tool self-description

package validate

import (
	"fmt"
	"sort"
)

// Type is the declared kind of a parameter.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
)

// Param constrains one named parameter. Zero-valued bounds mean unbounded.
type Param struct {
	Type        Type     `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Default     any      `json:"default,omitempty"`
	MinLength   int      `json:"minLength,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	Min         *float64 `json:"minimum,omitempty"`
	Max         *float64 `json:"maximum,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Items       *Param   `json:"items,omitempty"`
	MaxItems    int      `json:"maxItems,omitempty"`
	// Sensitive values are replaced before they reach audit storage.
	Sensitive bool `json:"sensitive,omitempty"`
}

// Contract maps parameter names to their constraints.
type Contract map[string]Param

// Params holds validated, normalized parameter values:
// string, int64, float64, bool, or []any of those.
type Params map[string]any

// String returns the named string parameter or "".
func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Int returns the named integer parameter and whether it was present.
func (p Params) Int(name string) (int64, bool) {
	v, ok := p[name].(int64)
	return v, ok
}

// Float returns the named number parameter and whether it was present.
// Integer values are widened.
func (p Params) Float(name string) (float64, bool) {
	switch v := p[name].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Bool returns the named boolean parameter and whether it was present.
func (p Params) Bool(name string) (bool, bool) {
	v, ok := p[name].(bool)
	return v, ok
}

// Has reports whether the named parameter is present.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Bound returns a pointer for use in Param.Min and Param.Max.
func Bound(v float64) *float64 {
	return &v
}

// Check verifies the contract itself is well formed. Registries call it at startup.
func (c Contract) Check() error {
	for _, name := range c.Names() {
		if name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		if err := c[name].check(name); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the parameter names in sorted order.
func (c Contract) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p Param) check(path string) error {
	switch p.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean:
	case TypeArray:
		if p.Items == nil {
			return fmt.Errorf("parameter %s: array requires items", path)
		}
		if p.Items.Type == TypeArray {
			return fmt.Errorf("parameter %s: nested arrays are not supported", path)
		}
		if err := p.Items.check(path + "[]"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("parameter %s: unknown type %q", path, p.Type)
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return fmt.Errorf("parameter %s: minimum exceeds maximum", path)
	}
	if p.MaxLength > 0 && p.MinLength > p.MaxLength {
		return fmt.Errorf("parameter %s: minLength exceeds maxLength", path)
	}
	if p.Default != nil && p.Required {
		return fmt.Errorf("parameter %s: required parameters cannot have a default", path)
	}
	return nil
}
