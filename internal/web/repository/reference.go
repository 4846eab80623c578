package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/unosend/unosend/internal/web/models"
)

// ReferenceRepository holds audiences, contacts and sending domains
type ReferenceRepository struct {
	db *sql.DB
}

func NewReferenceRepository(db *sql.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// CreateAudience creates an empty audience
func (r *ReferenceRepository) CreateAudience(ctx context.Context, organizationID, name string) (*models.Audience, error) {
	name = strings.TrimSpace(name)
	if organizationID == "" || name == "" {
		return nil, fmt.Errorf("%w: audience name is required", models.ErrValidation)
	}

	a := &models.Audience{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Name:           name,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO audiences (id, organization_id, name, created_at) VALUES (?, ?, ?, ?)",
		a.ID, a.OrganizationID, a.Name, a.CreatedAt,
	)
	if err != nil {
		return nil, storeError("create audience", err)
	}
	return a, nil
}

// ListAudiences returns the organization's audiences with their
// subscribed contact counts
func (r *ReferenceRepository) ListAudiences(ctx context.Context, organizationID string) ([]models.Audience, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.organization_id, a.name, a.created_at,
			COALESCE((SELECT COUNT(*) FROM contacts c WHERE c.audience_id = a.id AND c.subscribed = 1), 0)
		FROM audiences a
		WHERE a.organization_id = ?
		ORDER BY a.name`, organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list audiences: %w", models.ErrBackend, err)
	}
	defer rows.Close()

	audiences := []models.Audience{}
	for rows.Next() {
		var a models.Audience
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.Name, &a.CreatedAt, &a.ContactCount); err != nil {
			return nil, fmt.Errorf("%w: failed to scan audience: %w", models.ErrBackend, err)
		}
		audiences = append(audiences, a)
	}
	return audiences, rows.Err()
}

// GetAudience returns an audience of the organization or ErrNotFound
func (r *ReferenceRepository) GetAudience(ctx context.Context, organizationID, id string) (*models.Audience, error) {
	a := &models.Audience{}
	err := r.db.QueryRowContext(ctx,
		"SELECT id, organization_id, name, created_at FROM audiences WHERE id = ? AND organization_id = ?",
		id, organizationID,
	).Scan(&a.ID, &a.OrganizationID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: audience %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get audience: %w", models.ErrBackend, err)
	}
	return a, nil
}

// AddContact adds a subscribed contact to an audience
func (r *ReferenceRepository) AddContact(ctx context.Context, audienceID, email, name string) (*models.Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email %q", models.ErrValidation, email)
	}

	c := &models.Contact{
		ID:         uuid.New().String(),
		AudienceID: audienceID,
		Email:      email,
		Name:       name,
		Subscribed: true,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO contacts (id, audience_id, email, name, subscribed, created_at) VALUES (?, ?, ?, ?, 1, ?)",
		c.ID, c.AudienceID, c.Email, c.Name, c.CreatedAt,
	)
	if err != nil {
		return nil, storeError("add contact", err)
	}
	return c, nil
}

// SetSubscribed changes the subscription flag of a contact
func (r *ReferenceRepository) SetSubscribed(ctx context.Context, contactID string, subscribed bool) error {
	result, err := r.db.ExecContext(ctx, "UPDATE contacts SET subscribed = ? WHERE id = ?", subscribed, contactID)
	if err != nil {
		return fmt.Errorf("%w: failed to update contact: %w", models.ErrBackend, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: contact %s", models.ErrNotFound, contactID)
	}
	return nil
}

// CountSubscribedContacts returns the number of subscribed contacts in an audience
func (r *ReferenceRepository) CountSubscribedContacts(ctx context.Context, audienceID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM contacts WHERE audience_id = ? AND subscribed = 1", audienceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count contacts: %w", models.ErrBackend, err)
	}
	return count, nil
}

// SubscribedContacts returns up to limit subscribed contacts ordered by id,
// starting after the contact id afterID
func (r *ReferenceRepository) SubscribedContacts(ctx context.Context, audienceID, afterID string, limit int) ([]models.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, audience_id, email, COALESCE(name, ''), subscribed, created_at
		FROM contacts
		WHERE audience_id = ? AND subscribed = 1 AND id > ?
		ORDER BY id
		LIMIT ?`, audienceID, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list contacts: %w", models.ErrBackend, err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.AudienceID, &c.Email, &c.Name, &c.Subscribed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan contact: %w", models.ErrBackend, err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// CreateDomain registers a sending domain in pending state
func (r *ReferenceRepository) CreateDomain(ctx context.Context, organizationID, domain, selector string) (*models.Domain, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if organizationID == "" || domain == "" {
		return nil, fmt.Errorf("%w: domain is required", models.ErrValidation)
	}
	if selector == "" {
		selector = "unosend"
	}

	d := &models.Domain{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Domain:         domain,
		Status:         models.DomainPending,
		DKIMSelector:   selector,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO domains (id, organization_id, domain, status, dkim_selector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrganizationID, d.Domain, d.Status, d.DKIMSelector, d.CreatedAt,
	)
	if err != nil {
		return nil, storeError("create domain", err)
	}
	return d, nil
}

// GetDomain returns a domain of the organization or ErrNotFound
func (r *ReferenceRepository) GetDomain(ctx context.Context, organizationID, id string) (*models.Domain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, domain, status, COALESCE(dkim_selector, ''), checked_at, created_at
		FROM domains WHERE id = ? AND organization_id = ?`, id, organizationID)

	d, err := scanDomain(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: domain %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get domain: %w", models.ErrBackend, err)
	}
	return d, nil
}

// ListDomains returns all domains of the organization
func (r *ReferenceRepository) ListDomains(ctx context.Context, organizationID string) ([]models.Domain, error) {
	return r.listDomains(ctx, organizationID, "")
}

// ListVerifiedDomains returns the domains the organization may send from
func (r *ReferenceRepository) ListVerifiedDomains(ctx context.Context, organizationID string) ([]models.Domain, error) {
	return r.listDomains(ctx, organizationID, models.DomainVerified)
}

func (r *ReferenceRepository) listDomains(ctx context.Context, organizationID string, status models.DomainStatus) ([]models.Domain, error) {
	query := `
		SELECT id, organization_id, domain, status, COALESCE(dkim_selector, ''), checked_at, created_at
		FROM domains WHERE organization_id = ?`
	args := []any{organizationID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY domain"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list domains: %w", models.ErrBackend, err)
	}
	defer rows.Close()

	domains := []models.Domain{}
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan domain: %w", models.ErrBackend, err)
		}
		domains = append(domains, *d)
	}
	return domains, rows.Err()
}

// UpdateDomainStatus records the outcome of a DNS verification
func (r *ReferenceRepository) UpdateDomainStatus(ctx context.Context, id string, status models.DomainStatus, checkedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE domains SET status = ?, checked_at = ? WHERE id = ?", status, checkedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("%w: failed to update domain: %w", models.ErrBackend, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: domain %s", models.ErrNotFound, id)
	}
	return nil
}

func scanDomain(row rowScanner) (*models.Domain, error) {
	d := &models.Domain{}
	var checkedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.OrganizationID, &d.Domain, &d.Status, &d.DKIMSelector, &checkedAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	if checkedAt.Valid {
		t := checkedAt.Time
		d.CheckedAt = &t
	}
	return d, nil
}
