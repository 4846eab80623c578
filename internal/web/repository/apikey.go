package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/unosend/unosend/internal/web/models"
)

// KeyPrefix starts every API key
const KeyPrefix = "uno_"

type APIKeyRepository struct {
	db *sql.DB
}

func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// APIKeyCreateOptions contains options for creating an API key
type APIKeyCreateOptions struct {
	OrganizationID  string
	Name            string
	Role            models.Role
	ExpiresAt       *time.Time
	RateLimitMinute int
}

// Create creates a new API key and returns the full key (only shown once)
func (r *APIKeyRepository) Create(ctx context.Context, opts APIKeyCreateOptions) (*models.APIKeyCreateResult, error) {
	if opts.OrganizationID == "" || opts.Name == "" {
		return nil, fmt.Errorf("%w: organization and name are required", models.ErrValidation)
	}
	if opts.Role == "" {
		opts.Role = models.RoleMember
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrValidation, opts.Role)
	}

	// Generate random key
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key := KeyPrefix + hex.EncodeToString(keyBytes)

	apiKey := &models.APIKey{
		ID:              uuid.New().String(),
		OrganizationID:  opts.OrganizationID,
		Name:            opts.Name,
		KeyHash:         HashKey(key),
		KeyPrefix:       key[:len(KeyPrefix)+8],
		Role:            opts.Role,
		RateLimitMinute: opts.RateLimitMinute,
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       opts.ExpiresAt,
		Active:          true,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, organization_id, name, key_hash, key_prefix, role, rate_limit_minute, created_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		apiKey.ID, apiKey.OrganizationID, apiKey.Name, apiKey.KeyHash, apiKey.KeyPrefix, apiKey.Role,
		apiKey.RateLimitMinute, apiKey.CreatedAt, nullTime(apiKey.ExpiresAt),
	)
	if err != nil {
		return nil, storeError("create API key", err)
	}

	return &models.APIKeyCreateResult{
		APIKey: *apiKey,
		Key:    key,
	}, nil
}

const apiKeyColumns = `id, organization_id, name, key_hash, key_prefix, role,
	COALESCE(rate_limit_minute, 0), created_at, last_used_at, expires_at, active`

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	k := &models.APIKey{}
	var expiresAt, lastUsedAt sql.NullTime

	err := row.Scan(&k.ID, &k.OrganizationID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Role,
		&k.RateLimitMinute, &k.CreatedAt, &lastUsedAt, &expiresAt, &k.Active)
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	return k, nil
}

// GetByHash returns an API key by its hash (for authentication).
// Returns nil, nil when no key matches.
func (r *APIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRowContext(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE key_hash = ?", keyHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// List returns API keys, all organizations when organizationID is empty
func (r *APIKeyRepository) List(ctx context.Context, organizationID string) ([]models.APIKey, error) {
	query := "SELECT " + apiKeyColumns + " FROM api_keys"
	args := []any{}
	if organizationID != "" {
		query += " WHERE organization_id = ?"
		args = append(args, organizationID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// UpdateLastUsed updates the last_used_at timestamp
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}

// Deactivate revokes an API key
func (r *APIKeyRepository) Deactivate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE api_keys SET active = 0 WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: API key %s", models.ErrNotFound, id)
	}
	return nil
}

// HashKey computes SHA256 hash of an API key
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
