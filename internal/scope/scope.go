// ABOUTME: Ordered permission levels attached to API keys, tokens, and tools
// ABOUTME: READ_ONLY < READ_WRITE < ADMIN with text marshaling for JSON, YAML, and SQL

package scope

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownScope is returned when a scope name cannot be parsed.
var ErrUnknownScope = errors.New("unknown scope")

// Scope is an ordered permission level. The zero value is not a valid scope
// and never satisfies any requirement.
type Scope int

const (
	ReadOnly Scope = iota + 1
	ReadWrite
	Admin
)

// All lists every valid scope in ascending order.
var All = []Scope{ReadOnly, ReadWrite, Admin}

// Parse converts a scope name such as "READ_ONLY" or "read-write" into a Scope.
func Parse(s string) (Scope, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "READ_ONLY":
		return ReadOnly, nil
	case "READ_WRITE":
		return ReadWrite, nil
	case "ADMIN":
		return Admin, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownScope, s)
	}
}

// MustParse is like Parse but panics on error. Intended for static tool tables.
func MustParse(s string) Scope {
	sc, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sc
}

// String returns the wire name of the scope.
func (s Scope) String() string {
	switch s {
	case ReadOnly:
		return "READ_ONLY"
	case ReadWrite:
		return "READ_WRITE"
	case Admin:
		return "ADMIN"
	default:
		return "INVALID"
	}
}

// Valid reports whether s is one of the defined scopes.
func (s Scope) Valid() bool {
	return s >= ReadOnly && s <= Admin
}

// Satisfies reports whether a holder of s may use something that requires required.
func (s Scope) Satisfies(required Scope) bool {
	if !s.Valid() || !required.Valid() {
		return false
	}
	return s >= required
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScope, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
