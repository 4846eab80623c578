package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/unosend/unosend/internal/web/models"
)

const draftColumns = `id, organization_id, kind, name, subject, from_email, from_name, reply_to,
	audience_id, html_content, text_content, scheduled_at, status, sent_count, total_recipients,
	created_at, updated_at, sent_at`

type DraftRepository struct {
	db *sql.DB
}

func NewDraftRepository(db *sql.DB) *DraftRepository {
	return &DraftRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*models.Draft, error) {
	d := &models.Draft{}
	var fromName, replyTo, audienceID, html, text sql.NullString
	var scheduledAt, sentAt sql.NullTime

	err := row.Scan(&d.ID, &d.OrganizationID, &d.Kind, &d.Name, &d.Subject, &d.FromEmail,
		&fromName, &replyTo, &audienceID, &html, &text, &scheduledAt, &d.Status,
		&d.SentCount, &d.TotalRecipients, &d.CreatedAt, &d.UpdatedAt, &sentAt)
	if err != nil {
		return nil, err
	}

	d.FromName = fromName.String
	d.ReplyTo = replyTo.String
	if audienceID.Valid {
		d.AudienceID = &audienceID.String
	}
	if html.Valid {
		d.HTMLContent = &html.String
	}
	if text.Valid {
		d.TextContent = &text.String
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		d.ScheduledAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		d.SentAt = &t
	}
	return d, nil
}

func validatePayload(p *models.DraftPayload) error {
	switch {
	case p.OrganizationID == "":
		return fmt.Errorf("%w: organization is required", models.ErrValidation)
	case !p.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", models.ErrValidation, p.Kind)
	case p.Name == "":
		return fmt.Errorf("%w: name is required", models.ErrValidation)
	case p.Subject == "":
		return fmt.Errorf("%w: subject is required", models.ErrValidation)
	case p.FromEmail == "":
		return fmt.Errorf("%w: from email is required", models.ErrValidation)
	case p.TotalRecipients < 0:
		return fmt.Errorf("%w: total recipients cannot be negative", models.ErrValidation)
	}
	return nil
}

// storeError classifies a failed write. Constraint violations are the
// caller's fault; anything else is a backend failure.
func storeError(action string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: failed to %s: %v", models.ErrValidation, action, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", models.ErrBackend, action, err)
}

// checkAudience rejects audiences that are not in the organization
func (r *DraftRepository) checkAudience(ctx context.Context, organizationID string, audienceID *string) error {
	if audienceID == nil {
		return nil
	}
	var exists int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audiences WHERE id = ? AND organization_id = ?", *audienceID, organizationID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: failed to check audience: %w", models.ErrBackend, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: unknown audience %s", models.ErrValidation, *audienceID)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Create inserts a new draft. Templates never carry an audience or a schedule.
func (r *DraftRepository) Create(ctx context.Context, p *models.DraftPayload) (*models.Draft, error) {
	if err := validatePayload(p); err != nil {
		return nil, err
	}

	audienceID, scheduledAt := p.AudienceID, p.ScheduledAt
	if p.Kind == models.KindTemplate {
		audienceID, scheduledAt = nil, nil
	}
	if err := r.checkAudience(ctx, p.OrganizationID, audienceID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO drafts (id, organization_id, kind, name, subject, from_email, from_name, reply_to,
			audience_id, html_content, text_content, scheduled_at, status, total_recipients, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.OrganizationID, p.Kind, p.Name, p.Subject, p.FromEmail, p.FromName, p.ReplyTo,
		nullString(audienceID), nullString(p.HTMLContent), nullString(p.TextContent), nullTime(scheduledAt),
		models.StatusDraft, p.TotalRecipients, now, now,
	)
	if err != nil {
		return nil, storeError("create draft", err)
	}

	return r.GetByID(ctx, p.OrganizationID, id)
}

// GetByID returns a draft of the organization or ErrNotFound
func (r *DraftRepository) GetByID(ctx context.Context, organizationID, id string) (*models.Draft, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+draftColumns+" FROM drafts WHERE id = ? AND organization_id = ?", id, organizationID)

	d, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: draft %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get draft: %w", models.ErrBackend, err)
	}
	return d, nil
}

// Get returns a draft regardless of organization. Used by background
// delivery, which works across organizations.
func (r *DraftRepository) Get(ctx context.Context, id string) (*models.Draft, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+draftColumns+" FROM drafts WHERE id = ?", id)

	d, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: draft %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get draft: %w", models.ErrBackend, err)
	}
	return d, nil
}

// Update overwrites the editable fields of a draft that is still in draft status
func (r *DraftRepository) Update(ctx context.Context, id string, p *models.DraftPayload) error {
	if err := validatePayload(p); err != nil {
		return err
	}

	audienceID, scheduledAt := p.AudienceID, p.ScheduledAt
	if p.Kind == models.KindTemplate {
		audienceID, scheduledAt = nil, nil
	}
	if err := r.checkAudience(ctx, p.OrganizationID, audienceID); err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE drafts SET name = ?, subject = ?, from_email = ?, from_name = ?, reply_to = ?,
			audience_id = ?, html_content = ?, text_content = ?, scheduled_at = ?, total_recipients = ?, updated_at = ?
		WHERE id = ? AND organization_id = ? AND kind = ? AND status = ?`,
		p.Name, p.Subject, p.FromEmail, p.FromName, p.ReplyTo,
		nullString(audienceID), nullString(p.HTMLContent), nullString(p.TextContent), nullTime(scheduledAt),
		p.TotalRecipients, time.Now().UTC(),
		id, p.OrganizationID, p.Kind, models.StatusDraft,
	)
	if err != nil {
		return storeError("update draft", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to update draft: %w", models.ErrBackend, err)
	}
	if n > 0 {
		return nil
	}

	existing, err := r.GetByID(ctx, p.OrganizationID, id)
	if err != nil {
		return err
	}
	if existing.Kind != p.Kind {
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, p.Kind, id)
	}
	return fmt.Errorf("%w: draft %s is %s", models.ErrValidation, id, existing.Status)
}

// Delete removes a draft. Broadcasts being delivered cannot be deleted.
func (r *DraftRepository) Delete(ctx context.Context, organizationID, id string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM drafts WHERE id = ? AND organization_id = ? AND status != ?",
		id, organizationID, models.StatusSending)
	if err != nil {
		return fmt.Errorf("%w: failed to delete draft: %w", models.ErrBackend, err)
	}

	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, organizationID, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: broadcast %s is being sent", models.ErrValidation, id)
}

// List returns drafts of an organization with optional filtering
func (r *DraftRepository) List(ctx context.Context, organizationID string, filter models.DraftListFilter) ([]models.Draft, int, error) {
	where := " WHERE organization_id = ?"
	args := []any{organizationID}

	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		where += " AND (name LIKE ? OR subject LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM drafts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to count drafts: %w", models.ErrBackend, err)
	}

	query := "SELECT " + draftColumns + " FROM drafts" + where + " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to list drafts: %w", models.ErrBackend, err)
	}
	defer rows.Close()

	drafts := []models.Draft{}
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: failed to scan draft: %w", models.ErrBackend, err)
		}
		drafts = append(drafts, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to list drafts: %w", models.ErrBackend, err)
	}

	return drafts, total, nil
}

// Duplicate copies a draft into a new one in draft status with counters
// and schedule reset
func (r *DraftRepository) Duplicate(ctx context.Context, organizationID, id string) (*models.Draft, error) {
	src, err := r.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	return r.Create(ctx, &models.DraftPayload{
		OrganizationID: src.OrganizationID,
		Kind:           src.Kind,
		Name:           src.Name + " (Copy)",
		Subject:        src.Subject,
		FromEmail:      src.FromEmail,
		FromName:       src.FromName,
		ReplyTo:        src.ReplyTo,
		AudienceID:     src.AudienceID,
		HTMLContent:    src.HTMLContent,
		TextContent:    src.TextContent,
	})
}

func (r *DraftRepository) transition(ctx context.Context, id string, to models.DraftStatus, from []models.DraftStatus, extra string, extraArgs ...any) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	args := []any{to, time.Now().UTC()}
	args = append(args, extraArgs...)
	args = append(args, id, models.KindBroadcast)
	for _, s := range from {
		args = append(args, s)
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE drafts SET status = ?, updated_at = ?"+extra+
			" WHERE id = ? AND kind = ? AND status IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("%w: failed to mark broadcast %s: %w", models.ErrBackend, to, err)
	}

	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	existing, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.Kind != models.KindBroadcast {
		return fmt.Errorf("%w: templates cannot be sent", models.ErrValidation)
	}
	return fmt.Errorf("%w: broadcast %s is %s", models.ErrValidation, id, existing.Status)
}

// MarkScheduled moves a draft broadcast to scheduled
func (r *DraftRepository) MarkScheduled(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.StatusScheduled, []models.DraftStatus{models.StatusDraft}, "")
}

// MarkSending moves a draft or scheduled broadcast to sending and resets
// the delivery progress
func (r *DraftRepository) MarkSending(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.StatusSending,
		[]models.DraftStatus{models.StatusDraft, models.StatusScheduled},
		", sent_count = 0, delivery_cursor = ''")
}

// MarkSent completes delivery of a broadcast
func (r *DraftRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, models.StatusSent, []models.DraftStatus{models.StatusSending},
		", sent_at = ?", at.UTC())
}

// PromoteDue moves scheduled broadcasts whose time has come to sending
func (r *DraftRepository) PromoteDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM drafts
		WHERE kind = ? AND status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at`,
		models.KindBroadcast, models.StatusScheduled, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query scheduled broadcasts: %w", models.ErrBackend, err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: failed to scan draft id: %w", models.ErrBackend, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	promoted := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := r.MarkSending(ctx, id); err != nil {
			continue
		}
		promoted = append(promoted, id)
	}
	return promoted, nil
}

// ListSending returns broadcasts currently being delivered, oldest first
func (r *DraftRepository) ListSending(ctx context.Context, limit int) ([]models.Draft, error) {
	query := "SELECT " + draftColumns + " FROM drafts WHERE kind = ? AND status = ? ORDER BY updated_at"
	args := []any{models.KindBroadcast, models.StatusSending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list sending broadcasts: %w", models.ErrBackend, err)
	}
	defer rows.Close()

	var drafts []models.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan draft: %w", models.ErrBackend, err)
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

// DeliveryCursor returns the id of the last contact handed to delivery
func (r *DraftRepository) DeliveryCursor(ctx context.Context, id string) (string, error) {
	var cursor sql.NullString
	err := r.db.QueryRowContext(ctx, "SELECT delivery_cursor FROM drafts WHERE id = ?", id).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: draft %s", models.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to get delivery cursor: %w", models.ErrBackend, err)
	}
	return cursor.String, nil
}

// RecordProgress adds delivered to sent_count and advances the delivery
// cursor in one statement
func (r *DraftRepository) RecordProgress(ctx context.Context, id string, delivered int, cursor string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE drafts SET sent_count = sent_count + ?, delivery_cursor = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		delivered, cursor, time.Now().UTC(), id, models.StatusSending,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record delivery progress: %w", models.ErrBackend, err)
	}
	return nil
}

// DraftStore exposes a DraftRepository to the composer on behalf of one
// actor. Writes require a role that can write; every call is scoped to
// the actor's organization.
type DraftStore struct {
	repo  *DraftRepository
	actor models.Actor
}

func NewDraftStore(repo *DraftRepository, actor models.Actor) *DraftStore {
	return &DraftStore{repo: repo, actor: actor}
}

func (s *DraftStore) authorizeWrite(p *models.DraftPayload) error {
	if !s.actor.Role.CanWrite() {
		return fmt.Errorf("%w: role %s cannot modify drafts", models.ErrPermission, s.actor.Role)
	}
	if p != nil && p.OrganizationID != s.actor.OrganizationID {
		return fmt.Errorf("%w: draft belongs to another organization", models.ErrPermission)
	}
	return nil
}

func (s *DraftStore) CreateDraft(ctx context.Context, p *models.DraftPayload) (string, error) {
	if err := s.authorizeWrite(p); err != nil {
		return "", err
	}
	d, err := s.repo.Create(ctx, p)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

func (s *DraftStore) UpdateDraft(ctx context.Context, id string, p *models.DraftPayload) error {
	if err := s.authorizeWrite(p); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, p)
}

func (s *DraftStore) DeleteDraft(ctx context.Context, id string) error {
	if err := s.authorizeWrite(nil); err != nil {
		return err
	}
	return s.repo.Delete(ctx, s.actor.OrganizationID, id)
}

func (s *DraftStore) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	return s.repo.GetByID(ctx, s.actor.OrganizationID, id)
}
