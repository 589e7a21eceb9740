// ABOUTME: Immutable registry mapping tool names to definitions and handlers
// ABOUTME: Built once at startup; lookups are lock-free because the map is never mutated

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/validate"
)

// ErrDuplicateToolName indicates two definitions share a name.
var ErrDuplicateToolName = errors.New("duplicate tool name")

// ErrUnknownTool indicates the requested tool is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidDefinition indicates a definition is missing a name or handler or has a bad contract.
var ErrInvalidDefinition = errors.New("invalid tool definition")

// Call carries per-request context to a handler.
type Call struct {
	RequestID string
	Identity  string
	KeyID     string
	Scope     scope.Scope
}

// Result is the structured output of a tool. The dispatcher filters its
// top-level and nested fields by scope before returning it.
type Result map[string]any

// Handler executes a tool. Implementations should honor ctx cancellation.
type Handler interface {
	Execute(ctx context.Context, params validate.Params, call Call) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params validate.Params, call Call) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, params validate.Params, call Call) (Result, error) {
	return f(ctx, params, call)
}

// ToolDefinition describes one tool.
type ToolDefinition struct {
	Name          string
	Description   string
	RequiredScope scope.Scope
	Parameters    validate.Contract
	// ResultFields maps result field names to the scope needed to see them.
	// Fields not listed are visible to anyone allowed to call the tool.
	ResultFields map[string]scope.Scope
	Handler      Handler
}

// ToolInfo is the public description of a tool. Handlers are never exposed.
type ToolInfo struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	RequiredPermission scope.Scope       `json:"requiredPermission"`
	Parameters         validate.Contract `json:"parameters"`
}

// Registry holds the tool definitions. Safe for concurrent use after New returns.
type Registry struct {
	tools map[string]*ToolDefinition
	infos []ToolInfo // sorted by name
}

// New builds a registry, failing fast on duplicate names or invalid definitions.
func New(defs ...ToolDefinition) (*Registry, error) {
	tools := make(map[string]*ToolDefinition, len(defs))
	for i := range defs {
		def := defs[i]
		if err := checkDefinition(&def); err != nil {
			return nil, err
		}
		if _, exists := tools[def.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateToolName, def.Name)
		}
		tools[def.Name] = &def
	}

	infos := make([]ToolInfo, 0, len(tools))
	for _, def := range tools {
		infos = append(infos, ToolInfo{
			Name:               def.Name,
			Description:        def.Description,
			RequiredPermission: def.RequiredScope,
			Parameters:         def.Parameters,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return &Registry{tools: tools, infos: infos}, nil
}

// MustNew is like New but panics on error.
func MustNew(defs ...ToolDefinition) *Registry {
	r, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

func checkDefinition(def *ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidDefinition, def.Name)
	}
	if !def.RequiredScope.Valid() {
		return fmt.Errorf("%w: %s has invalid required scope", ErrInvalidDefinition, def.Name)
	}
	if def.Parameters == nil {
		def.Parameters = validate.Contract{}
	}
	if err := def.Parameters.Check(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.Name, err)
	}
	for field, sc := range def.ResultFields {
		if !sc.Valid() {
			return fmt.Errorf("%w: %s result field %s has invalid scope", ErrInvalidDefinition, def.Name, field)
		}
	}
	return nil
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (*ToolDefinition, error) {
	def, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return def, nil
}

// List returns every tool sorted by name. The slice is a copy.
func (r *Registry) List() []ToolInfo {
	out := make([]ToolInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}
