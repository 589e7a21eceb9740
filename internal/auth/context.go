// ABOUTME: Authenticated principal for tracking identity through request handlers
// ABOUTME: Provides WithPrincipal/PrincipalFromContext for propagating auth info via context

package auth

import (
	"context"
	"net/netip"

	"github.com/assessor-labs/mcpgate/internal/scope"
)

// Method records how a principal authenticated.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// Principal holds the authenticated identity extracted from a request.
type Principal struct {
	KeyID    string      // API key ID; also the token subject
	OwnerID  string      // empty for stateless bearer auth
	Scope    scope.Scope // granted scope
	Method   Method
	SourceIP netip.Addr
}

// Identity returns the rate-limit and audit identity for this principal.
func (p *Principal) Identity() string {
	return p.KeyID
}

// principalKey is the key type for storing Principal in context.Context.
type principalKey struct{}

// WithPrincipal returns a new context with the Principal attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the Principal from the context, returning nil if not present.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
