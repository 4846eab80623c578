package models

import "time"

// Role of an API key inside its organization
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// CanWrite reports whether the role may create, change or send drafts
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// CanManage reports whether the role may manage webhooks and domains
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// APIKey authenticates dashboard API calls for one organization
type APIKey struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organization_id"`
	Name            string     `json:"name"`
	KeyHash         string     `json:"-"`          // SHA256 hash, never expose
	KeyPrefix       string     `json:"key_prefix"` // "uno_" + first 8 chars for display
	Role            Role       `json:"role"`
	RateLimitMinute int        `json:"rate_limit_minute"` // 0 = unlimited
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Active          bool       `json:"active"`
}

// Actor returns the identity the key acts as
func (k *APIKey) Actor() Actor {
	return Actor{OrganizationID: k.OrganizationID, Role: k.Role}
}

// Actor is the organization and role a request is performed as
type Actor struct {
	OrganizationID string
	Role           Role
}

// APIKeyCreateResult returned when creating a new key.
// Contains the full key which is shown only once
type APIKeyCreateResult struct {
	APIKey
	Key string `json:"key"`
}
