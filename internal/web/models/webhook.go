package models

import "time"

// Webhook event types
const (
	EventEmailSent     = "email.sent"
	EventEmailFailed   = "email.failed"
	EventBroadcastSent = "broadcast.sent"
)

// KnownEvents lists every event type a webhook may subscribe to
var KnownEvents = []string{EventEmailSent, EventEmailFailed, EventBroadcastSent}

// Webhook is an outbound event subscription configured by an organization
type Webhook struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	URL            string    `json:"url"`
	Events         []string  `json:"events"`
	Secret         string    `json:"secret,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Subscribed reports whether the webhook wants events of type eventType
func (w *Webhook) Subscribed(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}
