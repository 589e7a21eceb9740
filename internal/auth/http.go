// ABOUTME: HTTP request authentication via bearer token or direct API key header
// ABOUTME: Resolves the client IP and produces the Principal used by the dispatcher

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/assessor-labs/mcpgate/internal/store"
)

// APIKeyHeader carries a direct API key.
const APIKeyHeader = "X-API-Key"

// ErrMissingCredentials is returned when a request carries neither header.
var ErrMissingCredentials = errors.New("missing credentials")

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// AuthenticatorConfig configures an Authenticator.
type AuthenticatorConfig struct {
	// RevocationCheck re-reads the backing API key on bearer auth.
	RevocationCheck bool
	// ClientIP attributes requests to an address. Nil uses the TCP peer.
	ClientIP *ClientIPResolver
}

// Authenticator resolves the Principal for an incoming request.
type Authenticator struct {
	tokens      *TokenService
	credentials *Credentials
	keys        KeyStore
	cfg         AuthenticatorConfig
	logger      *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(tokens *TokenService, credentials *Credentials, keys KeyStore, cfg AuthenticatorConfig) *Authenticator {
	return &Authenticator{
		tokens:      tokens,
		credentials: credentials,
		keys:        keys,
		cfg:         cfg,
		logger:      slog.Default().With("component", "authenticator"),
	}
}

// Authenticate checks the Authorization bearer token, falling back to X-API-Key.
// Bearer takes precedence when both headers are present.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	sourceIP := a.cfg.ClientIP.Resolve(r)

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token, errMsg := extractBearerToken(authHeader)
		if errMsg != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSignature, errMsg)
		}
		return a.authenticateBearer(r.Context(), token, sourceIP)
	}

	if apiKey := r.Header.Get(APIKeyHeader); apiKey != "" {
		key, err := a.credentials.Verify(r.Context(), apiKey, sourceIP)
		if err != nil {
			return nil, err
		}
		return &Principal{
			KeyID:    key.ID,
			OwnerID:  key.OwnerID,
			Scope:    key.Scope,
			Method:   MethodAPIKey,
			SourceIP: sourceIP,
		}, nil
	}

	return nil, ErrMissingCredentials
}

func (a *Authenticator) authenticateBearer(ctx context.Context, token string, sourceIP netip.Addr) (*Principal, error) {
	claims, err := a.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	p := &Principal{
		KeyID:    claims.Subject,
		Scope:    claims.Scope,
		Method:   MethodBearer,
		SourceIP: sourceIP,
	}
	if !a.cfg.RevocationCheck {
		return p, nil
	}

	key, err := a.keys.GetAPIKey(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("loading api key: %w", err)
	}
	if err := a.credentials.CheckKey(key, sourceIP); err != nil {
		a.logger.Info("bearer token rejected by key status", "key_id", key.ID, "error", err)
		return nil, err
	}
	p.OwnerID = key.OwnerID
	return p, nil
}
