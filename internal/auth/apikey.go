// ABOUTME: API key generation, parsing, and verification against the credential store
// ABOUTME: Keys look like mcpk_<keyID>_<secret>; only a bcrypt hash of the secret is stored

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"go4.org/netipx"
	"golang.org/x/crypto/bcrypt"

	"github.com/assessor-labs/mcpgate/internal/store"
)

// APIKeyPrefix starts every displayable API key.
const APIKeyPrefix = "mcpk"

// Credential errors
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrKeyExpired        = errors.New("api key expired")
	ErrKeyRevoked        = errors.New("api key revoked")
	ErrIPNotAllowed      = errors.New("source ip not allowed")
)

// dummyHash is compared against when the key ID is unknown so that lookups for
// missing keys cost the same as a wrong secret.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("mcpgate-dummy-secret"), bcrypt.MinCost)

// GeneratedKey is a freshly minted API key. Display is shown to the operator once.
type GeneratedKey struct {
	Display    string
	KeyID      string
	SecretHash []byte
}

// GenerateAPIKey creates a new random API key and hashes its secret with the given
// bcrypt cost (0 means bcrypt.DefaultCost).
func GenerateAPIKey(cost int) (*GeneratedKey, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("generating key id: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generating key secret: %w", err)
	}

	keyID := hex.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return nil, fmt.Errorf("hashing key secret: %w", err)
	}

	return &GeneratedKey{
		Display:    APIKeyPrefix + "_" + keyID + "_" + secret,
		KeyID:      keyID,
		SecretHash: hash,
	}, nil
}

// ParseAPIKey splits a displayed key into its ID and secret.
func ParseAPIKey(display string) (keyID, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(display), "_", 3)
	if len(parts) != 3 || parts[0] != APIKeyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", ErrInvalidCredential
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return "", "", ErrInvalidCredential
	}
	return parts[1], parts[2], nil
}

// NormalizeAllowList validates CIDR prefixes (bare addresses become single-host
// prefixes) and returns them in canonical form.
func NormalizeAllowList(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		p, err := parseAllowEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, p.String())
	}
	return out, nil
}

func parseAllowEntry(e string) (netip.Prefix, error) {
	e = strings.TrimSpace(e)
	if strings.Contains(e, "/") {
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid cidr %q: %w", e, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(e)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", e, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// KeyStore is the subset of the credential store used for verification.
type KeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*store.APIKey, error)
}

// Credentials verifies presented API keys against the credential store.
type Credentials struct {
	keys   KeyStore
	now    func() time.Time
	logger *slog.Logger
}

// NewCredentials creates a verifier backed by the given key store.
func NewCredentials(keys KeyStore) *Credentials {
	return &Credentials{
		keys:   keys,
		now:    time.Now,
		logger: slog.Default().With("component", "credentials"),
	}
}

// Verify checks a displayed API key: format, secret, revocation, expiry, and
// (when sourceIP is valid) the key's IP allow-list.
// The secret is checked before any status so an unauthenticated caller learns nothing.
func (c *Credentials) Verify(ctx context.Context, display string, sourceIP netip.Addr) (*store.APIKey, error) {
	keyID, secret, err := ParseAPIKey(display)
	if err != nil {
		return nil, err
	}

	key, err := c.keys.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("loading api key: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(key.SecretHash, []byte(secret)); err != nil {
		return nil, ErrInvalidCredential
	}

	if err := c.CheckKey(key, sourceIP); err != nil {
		return nil, err
	}
	return key, nil
}

// CheckKey applies the status checks that can change after a token was minted.
func (c *Credentials) CheckKey(key *store.APIKey, sourceIP netip.Addr) error {
	if key.Revoked {
		return ErrKeyRevoked
	}
	if key.ExpiresAt != nil && !c.now().Before(*key.ExpiresAt) {
		return ErrKeyExpired
	}
	if !sourceIP.IsValid() || len(key.IPAllowList) == 0 {
		return nil
	}

	var b netipx.IPSetBuilder
	for _, e := range key.IPAllowList {
		p, err := parseAllowEntry(e)
		if err != nil {
			c.logger.Warn("ignoring malformed allow-list entry", "key_id", key.ID, "entry", e)
			continue
		}
		b.AddPrefix(p)
	}
	set, err := b.IPSet()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIPNotAllowed, err)
	}
	if !set.Contains(sourceIP.Unmap()) {
		return ErrIPNotAllowed
	}
	return nil
}
