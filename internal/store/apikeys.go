// ABOUTME: API key persistence for the credential store
// ABOUTME: Keys are immutable once created except for revocation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/assessor-labs/mcpgate/internal/scope"
)

// CreateAPIKey inserts a new API key.
// Sets CreatedAt if zero. Returns ErrDuplicate if the key ID is taken.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		return fmt.Errorf("api key id is required")
	}
	if !key.Scope.Valid() {
		return fmt.Errorf("api key %s: %w", key.ID, scope.ErrUnknownScope)
	}
	if len(key.SecretHash) == 0 {
		return fmt.Errorf("api key %s: secret hash is required", key.ID)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	allow := key.IPAllowList
	if allow == nil {
		allow = []string{}
	}
	allowJSON, err := json.Marshal(allow)
	if err != nil {
		return fmt.Errorf("marshaling ip allow list: %w", err)
	}

	query := `
		INSERT INTO api_keys (key_id, owner_id, label, scope, ip_allow_list, secret_hash, expires_at, created_at, revoked, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)
	`

	_, err = s.db.ExecContext(ctx, query,
		key.ID,
		key.OwnerID,
		key.Label,
		key.Scope.String(),
		string(allowJSON),
		key.SecretHash,
		formatOptionalTime(key.ExpiresAt),
		formatTime(key.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Debug("created api key", "key_id", key.ID, "owner", key.OwnerID, "scope", key.Scope)
	return nil
}

const apiKeyColumns = `key_id, owner_id, label, scope, ip_allow_list, secret_hash, expires_at, created_at, revoked, revoked_at`

// GetAPIKey retrieves an API key by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_id = ?`, id)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ListAPIKeys returns all API keys, newest first.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC, key_id`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []*APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked. Revoking an already revoked key is a no-op
// that keeps the original RevokedAt. Returns ErrNotFound if the key is absent.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET revoked = 1, revoked_at = COALESCE(revoked_at, ?)
		WHERE key_id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked api key", "key_id", id)
	return nil
}

func scanAPIKey(scanner interface{ Scan(dest ...any) error }) (*APIKey, error) {
	var key APIKey
	var scopeStr, allowJSON, createdAt string
	var expiresAt, revokedAt *string
	var revoked int

	if err := scanner.Scan(
		&key.ID,
		&key.OwnerID,
		&key.Label,
		&scopeStr,
		&allowJSON,
		&key.SecretHash,
		&expiresAt,
		&createdAt,
		&revoked,
		&revokedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning api key: %w", err)
	}

	var err error
	if key.Scope, err = scope.Parse(scopeStr); err != nil {
		return nil, fmt.Errorf("api key %s: %w", key.ID, err)
	}
	if err := json.Unmarshal([]byte(allowJSON), &key.IPAllowList); err != nil {
		return nil, fmt.Errorf("unmarshaling ip allow list: %w", err)
	}
	if key.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if key.ExpiresAt, err = parseOptionalTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if key.RevokedAt, err = parseOptionalTime(revokedAt); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	key.Revoked = revoked != 0
	return &key, nil
}
