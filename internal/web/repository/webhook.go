package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/unosend/unosend/internal/web/models"
)

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// generateSecret returns a new signing secret
func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

func validateWebhook(w *models.Webhook) error {
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook url must be an absolute http(s) url", models.ErrValidation)
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", models.ErrValidation)
	}
	for _, e := range w.Events {
		if e != "*" && !slices.Contains(models.KnownEvents, e) {
			return fmt.Errorf("%w: unknown event %q", models.ErrValidation, e)
		}
	}
	return nil
}

// Create registers a webhook and generates its secret
func (r *WebhookRepository) Create(ctx context.Context, w *models.Webhook) error {
	if err := validateWebhook(w); err != nil {
		return err
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}

	w.ID = uuid.New().String()
	w.Secret = secret
	w.Active = true
	w.CreatedAt = time.Now().UTC()
	w.UpdatedAt = w.CreatedAt

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, organization_id, url, events, secret, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		w.ID, w.OrganizationID, w.URL, string(events), w.Secret, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return storeError("create webhook", err)
	}
	return nil
}

// GetByID returns a webhook of the organization or ErrNotFound
func (r *WebhookRepository) GetByID(ctx context.Context, organizationID, id string) (*models.Webhook, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, url, events, secret, active, created_at, updated_at
		FROM webhooks WHERE id = ? AND organization_id = ?`, id, organizationID)

	w, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: webhook %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get webhook: %w", models.ErrBackend, err)
	}
	return w, nil
}

// List returns the organization's webhooks
func (r *WebhookRepository) List(ctx context.Context, organizationID string) ([]models.Webhook, error) {
	return r.query(ctx, `
		SELECT id, organization_id, url, events, secret, active, created_at, updated_at
		FROM webhooks WHERE organization_id = ? ORDER BY created_at`, organizationID)
}

// ListSubscribed returns active webhooks of the organization that want eventType
func (r *WebhookRepository) ListSubscribed(ctx context.Context, organizationID, eventType string) ([]models.Webhook, error) {
	all, err := r.query(ctx, `
		SELECT id, organization_id, url, events, secret, active, created_at, updated_at
		FROM webhooks WHERE organization_id = ? AND active = 1`, organizationID)
	if err != nil {
		return nil, err
	}

	subscribed := all[:0]
	for _, w := range all {
		if w.Subscribed(eventType) {
			subscribed = append(subscribed, w)
		}
	}
	return subscribed, nil
}

// Update changes url, events and the active flag
func (r *WebhookRepository) Update(ctx context.Context, w *models.Webhook) error {
	if err := validateWebhook(w); err != nil {
		return err
	}
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}

	w.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE webhooks SET url = ?, events = ?, active = ?, updated_at = ?
		WHERE id = ? AND organization_id = ?`,
		w.URL, string(events), w.Active, w.UpdatedAt, w.ID, w.OrganizationID,
	)
	if err != nil {
		return storeError("update webhook", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: webhook %s", models.ErrNotFound, w.ID)
	}
	return nil
}

// RotateSecret replaces the signing secret and returns the new one
func (r *WebhookRepository) RotateSecret(ctx context.Context, organizationID, id string) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE webhooks SET secret = ?, updated_at = ? WHERE id = ? AND organization_id = ?",
		secret, time.Now().UTC(), id, organizationID)
	if err != nil {
		return "", fmt.Errorf("%w: failed to rotate secret: %w", models.ErrBackend, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: webhook %s", models.ErrNotFound, id)
	}
	return secret, nil
}

// Delete removes a webhook
func (r *WebhookRepository) Delete(ctx context.Context, organizationID, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM webhooks WHERE id = ? AND organization_id = ?", id, organizationID)
	if err != nil {
		return fmt.Errorf("%w: failed to delete webhook: %w", models.ErrBackend, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: webhook %s", models.ErrNotFound, id)
	}
	return nil
}

func (r *WebhookRepository) query(ctx context.Context, query string, args ...any) ([]models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list webhooks: %w", models.ErrBackend, err)
	}
	defer rows.Close()

	webhooks := []models.Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan webhook: %w", models.ErrBackend, err)
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	w := &models.Webhook{}
	var events string
	if err := row.Scan(&w.ID, &w.OrganizationID, &w.URL, &events, &w.Secret, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return nil, fmt.Errorf("invalid events for webhook %s: %w", w.ID, err)
	}
	return w, nil
}
