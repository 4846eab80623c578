package models

import "time"

// Audience is a named list of contacts eligible to receive a broadcast
type Audience struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	ContactCount   int       `json:"contact_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Contact is a recipient inside an audience
type Contact struct {
	ID         string    `json:"id"`
	AudienceID string    `json:"audience_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Subscribed bool      `json:"subscribed"`
	CreatedAt  time.Time `json:"created_at"`
}

// DomainStatus is the verification state of a sending domain
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainVerified DomainStatus = "verified"
	DomainFailed   DomainStatus = "failed"
)

// Domain is a sending domain registered by an organization
type Domain struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Domain         string       `json:"domain"`
	Status         DomainStatus `json:"status"`
	DKIMSelector   string       `json:"dkim_selector"`
	CheckedAt      *time.Time   `json:"checked_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
