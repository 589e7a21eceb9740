// Package auth implements credential exchange and request authentication.
//
// # API Keys
//
// Keys are displayed once as mcpk_<keyID>_<secret>. The key ID is the store
// primary key; only a bcrypt hash of the secret is persisted. Credentials.Verify
// checks, in order: format, secret, revocation, expiry, and the IP allow-list.
// An empty allow-list means no IP restriction.
//
// # Tokens
//
// TokenService.Exchange trades a verified API key for an HS256 JWT:
//
//	sub    API key ID
//	scope  READ_ONLY | READ_WRITE | ADMIN
//	iss    configured issuer
//	iat    issue time
//	exp    iat + TTL (default 1h)
//	jti    random UUID
//
// TokenService.Validate checks only the signature, issuer, and expiry.
//
// # Revocation
//
// Tokens are stateless. When AuthenticatorConfig.RevocationCheck is set the
// Authenticator re-reads the backing key for every bearer request, so revoking a
// key locks out its outstanding tokens immediately. Without it, revocation only
// takes effect when those tokens expire.
//
// # Context
//
// The dispatcher stores the authenticated Principal with WithPrincipal so
// handlers can read it back with PrincipalFromContext.
package auth
