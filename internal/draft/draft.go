// Package draft coordinates the editing lifecycle of one broadcast or
// template: in-memory form state, the content gate that keeps empty
// drafts out of the store, debounced autosave, save-status reconciliation
// under overlapping saves, and the send hand-off.
//
// A Coordinator is bound to a single draft and a single organization.
// All collaborators (store, reference data, sender, clock) are injected.
package draft

import (
	"context"
	"fmt"
	"time"

	"github.com/unosend/unosend/internal/web/models"
)

// Field names accepted by OnFieldChange
type Field string

const (
	FieldName         Field = "name"
	FieldSubject      Field = "subject"
	FieldFromEmail    Field = "from_email"
	FieldFromName     Field = "from_name"
	FieldReplyTo      Field = "reply_to"
	FieldAudienceID   Field = "audience_id"
	FieldHTMLContent  Field = "html_content"
	FieldTextContent  Field = "text_content"
	FieldScheduleDate Field = "schedule_date"
	FieldScheduleTime Field = "schedule_time"
)

// contentFields open the content gate when they become non-empty
var contentFields = map[Field]bool{
	FieldName:        true,
	FieldSubject:     true,
	FieldHTMLContent: true,
	FieldAudienceID:  true,
}

// broadcastOnly fields are rejected for templates
var broadcastOnly = map[Field]bool{
	FieldAudienceID:   true,
	FieldScheduleDate: true,
	FieldScheduleTime: true,
}

// SaveStatus is the tri-state save indicator
type SaveStatus string

const (
	Saved   SaveStatus = "saved"
	Saving  SaveStatus = "saving"
	Unsaved SaveStatus = "unsaved"
)

// Form is the in-memory state of the composer. Empty strings mean
// "not set"; defaults are applied only when building a payload.
type Form struct {
	Name         string `json:"name"`
	Subject      string `json:"subject"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`
	ReplyTo      string `json:"reply_to"`
	AudienceID   string `json:"audience_id"`
	HTMLContent  string `json:"html_content"`
	TextContent  string `json:"text_content"`
	ScheduleDate string `json:"schedule_date"` // YYYY-MM-DD
	ScheduleTime string `json:"schedule_time"` // HH:MM
}

func (f *Form) set(field Field, value string) error {
	switch field {
	case FieldName:
		f.Name = value
	case FieldSubject:
		f.Subject = value
	case FieldFromEmail:
		f.FromEmail = value
	case FieldFromName:
		f.FromName = value
	case FieldReplyTo:
		f.ReplyTo = value
	case FieldAudienceID:
		f.AudienceID = value
	case FieldHTMLContent:
		f.HTMLContent = value
	case FieldTextContent:
		f.TextContent = value
	case FieldScheduleDate:
		f.ScheduleDate = value
	case FieldScheduleTime:
		f.ScheduleTime = value
	default:
		return fmt.Errorf("%w: unknown field %q", models.ErrValidation, field)
	}
	return nil
}

func (f *Form) hasText() bool {
	return f.Name != "" || f.Subject != "" || f.HTMLContent != ""
}

// Store is the persistence backend for drafts. Implementations are
// scoped to one organization and return errors wrapping the models
// error taxonomy.
type Store interface {
	CreateDraft(ctx context.Context, p *models.DraftPayload) (string, error)
	UpdateDraft(ctx context.Context, id string, p *models.DraftPayload) error
	DeleteDraft(ctx context.Context, id string) error
	GetDraft(ctx context.Context, id string) (*models.Draft, error)
}

// ReferenceData supplies the read-only lists the composer needs
type ReferenceData interface {
	ListAudiences(ctx context.Context, organizationID string) ([]models.Audience, error)
	ListVerifiedDomains(ctx context.Context, organizationID string) ([]models.Domain, error)
	CountSubscribedContacts(ctx context.Context, audienceID string) (int, error)
}

// Sender starts delivery of a persisted broadcast
type Sender interface {
	SendBroadcast(ctx context.Context, id string) error
}

// Observer receives save and send outcomes, e.g. for metrics
type Observer interface {
	ObserveSave(kind models.DraftKind, op string, err error)
	ObserveSend(err error)
}

type nopObserver struct{}

func (nopObserver) ObserveSave(models.DraftKind, string, error) {}
func (nopObserver) ObserveSend(error)                           {}

// State is a snapshot of a coordinator for display
type State struct {
	DraftID           string             `json:"draft_id,omitempty"`
	Kind              models.DraftKind   `json:"kind"`
	Status            models.DraftStatus `json:"status"`
	Editable          bool               `json:"editable"`
	SaveStatus        SaveStatus         `json:"save_status"`
	HasInitialContent bool               `json:"has_initial_content"`
	Form              Form               `json:"form"`
	ContactCount      int                `json:"contact_count"`
	Audiences         []models.Audience  `json:"audiences"`
	Domains           []models.Domain    `json:"domains"`
	LastError         string             `json:"last_error,omitempty"`
	SentCount         int                `json:"sent_count"`
	TotalRecipients   int                `json:"total_recipients"`
	UpdatedAt         *time.Time         `json:"updated_at,omitempty"`
}
