// ABOUTME: Issues new API keys into the credential store for the admin CLI and bootstrap
// ABOUTME: Returns the display form once; only the bcrypt hash is persisted

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/assessor-labs/mcpgate/internal/scope"
	"github.com/assessor-labs/mcpgate/internal/store"
)

// KeyCreator is the subset of the credential store used when issuing keys.
type KeyCreator interface {
	CreateAPIKey(ctx context.Context, key *store.APIKey) error
}

// IssueRequest describes a key to issue.
type IssueRequest struct {
	OwnerID     string
	Label       string
	Scope       scope.Scope
	IPAllowList []string
	TTL         time.Duration // zero means no expiry
	BcryptCost  int
}

// IssueAPIKey generates a key, stores its hash, and returns the display form
// together with the stored record.
func IssueAPIKey(ctx context.Context, keys KeyCreator, req IssueRequest) (string, *store.APIKey, error) {
	if req.OwnerID == "" {
		return "", nil, errors.New("owner is required")
	}
	if !req.Scope.Valid() {
		return "", nil, fmt.Errorf("%w: %d", scope.ErrUnknownScope, int(req.Scope))
	}
	allow, err := NormalizeAllowList(req.IPAllowList)
	if err != nil {
		return "", nil, err
	}

	gen, err := GenerateAPIKey(req.BcryptCost)
	if err != nil {
		return "", nil, err
	}

	key := &store.APIKey{
		ID:          gen.KeyID,
		OwnerID:     req.OwnerID,
		Label:       req.Label,
		Scope:       req.Scope,
		IPAllowList: allow,
		SecretHash:  gen.SecretHash,
	}
	if req.TTL > 0 {
		exp := time.Now().UTC().Add(req.TTL)
		key.ExpiresAt = &exp
	}

	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("storing api key: %w", err)
	}
	return gen.Display, key, nil
}
