package models

import "time"

// DraftKind distinguishes broadcasts from reusable templates. Both share
// the same record shape; templates ignore audience and schedule.
type DraftKind string

const (
	KindBroadcast DraftKind = "broadcast"
	KindTemplate  DraftKind = "template"
)

// Valid reports whether k is a known kind.
func (k DraftKind) Valid() bool {
	return k == KindBroadcast || k == KindTemplate
}

// DraftStatus is the send lifecycle of a broadcast
type DraftStatus string

const (
	StatusDraft     DraftStatus = "draft"
	StatusScheduled DraftStatus = "scheduled"
	StatusSending   DraftStatus = "sending"
	StatusSent      DraftStatus = "sent"
)

// Draft is a broadcast or template record owned by one organization
type Draft struct {
	ID              string      `json:"id"`
	OrganizationID  string      `json:"organization_id"`
	Kind            DraftKind   `json:"kind"`
	Name            string      `json:"name"`
	Subject         string      `json:"subject"`
	FromEmail       string      `json:"from_email"`
	FromName        string      `json:"from_name"`
	ReplyTo         string      `json:"reply_to"`
	AudienceID      *string     `json:"audience_id"`
	HTMLContent     *string     `json:"html_content"`
	TextContent     *string     `json:"text_content"`
	ScheduledAt     *time.Time  `json:"scheduled_at"`
	Status          DraftStatus `json:"status"`
	SentCount       int         `json:"sent_count"`
	TotalRecipients int         `json:"total_recipients"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	SentAt          *time.Time  `json:"sent_at,omitempty"`
}

// IsEditable reports whether the draft still accepts field changes
func (d *Draft) IsEditable() bool {
	return d.Status == StatusDraft
}

// DraftPayload is the body of a create or update call. Counters other
// than TotalRecipients belong to the delivery pipeline and are never
// written through it.
type DraftPayload struct {
	OrganizationID  string     `json:"organization_id"`
	Kind            DraftKind  `json:"kind"`
	Name            string     `json:"name"`
	Subject         string     `json:"subject"`
	FromEmail       string     `json:"from_email"`
	FromName        string     `json:"from_name"`
	ReplyTo         string     `json:"reply_to"`
	AudienceID      *string    `json:"audience_id"`
	HTMLContent     *string    `json:"html_content"`
	TextContent     *string    `json:"text_content"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
	TotalRecipients int        `json:"total_recipients"`
}

// DraftListFilter for filtering drafts
type DraftListFilter struct {
	Kind   DraftKind
	Status DraftStatus
	Search string
	Limit  int
	Offset int
}
