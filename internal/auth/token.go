// ABOUTME: Token Service that exchanges API keys for short-lived signed tokens
// ABOUTME: Uses HS256 signing with configurable secret; validation never touches storage

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/assessor-labs/mcpgate/internal/scope"
)

// Token errors
var (
	ErrInvalidSignature = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
)

// DefaultTokenTTL is used when TokenServiceConfig.TTL is zero.
const DefaultTokenTTL = time.Hour

// Token is a minted bearer token.
type Token struct {
	Value        string
	SubjectKeyID string
	Scope        scope.Scope
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Claims is the JWT payload of a token.
type Claims struct {
	Scope scope.Scope `json:"scope"`
	jwt.RegisteredClaims
}

// TokenServiceConfig configures a TokenService.
type TokenServiceConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// TokenService mints and validates HS256 tokens.
type TokenService struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	credentials *Credentials
	now         func() time.Time
}

// NewTokenService creates a token service. credentials may be nil if the service
// is only used for validation.
func NewTokenService(cfg TokenServiceConfig, credentials *Credentials) *TokenService {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{
		secret:      cfg.Secret,
		issuer:      cfg.Issuer,
		ttl:         ttl,
		credentials: credentials,
		now:         time.Now,
	}
}

// TTL returns the lifetime of minted tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Exchange verifies an API key and mints a token carrying the key's scope.
func (s *TokenService) Exchange(ctx context.Context, apiKey string, sourceIP netip.Addr) (*Token, error) {
	if s.credentials == nil {
		return nil, fmt.Errorf("token service has no credential store")
	}
	key, err := s.credentials.Verify(ctx, apiKey, sourceIP)
	if err != nil {
		return nil, err
	}
	return s.Mint(key.ID, key.Scope)
}

// Mint signs a token for the given key ID and scope.
func (s *TokenService) Mint(keyID string, sc scope.Scope) (*Token, error) {
	if !sc.Valid() {
		return nil, scope.ErrUnknownScope
	}

	// JWT NumericDate has second precision.
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := Claims{
		Scope: sc,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   keyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &Token{
		Value:        signed,
		SubjectKeyID: keyID,
		Scope:        sc,
		IssuedAt:     now,
		ExpiresAt:    exp,
	}, nil
}

// Validate checks the signature and expiry of a token and returns its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !token.Valid {
		return nil, ErrInvalidSignature
	}
	if claims.Subject == "" || !claims.Scope.Valid() {
		return nil, fmt.Errorf("%w: missing subject or scope", ErrInvalidSignature)
	}

	return &claims, nil
}
