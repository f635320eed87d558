package store

import (
	"context"
	"time"
)

// User is a stable local identity for one sender on one instance.
type User struct {
	ID           string     `json:"id"`
	PhoneNumber  string     `json:"phone_number,omitempty"`
	WhatsAppJID  string     `json:"whatsapp_jid,omitempty"`
	InstanceName string     `json:"instance_name"`
	DisplayName  string     `json:"display_name,omitempty"`

	// LastAgentUserID caches the agent-side user id minted by the backend.
	// Valid only while LastSessionName carries the same session prefix: an
	// instance switch must not leak identity across tenants.
	LastAgentUserID string     `json:"last_agent_user_id,omitempty"`
	LastSessionName string     `json:"last_session_name_interaction,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	MessageCount    int64      `json:"message_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ExternalID is a provider-scoped identity link (e.g. a Discord user id)
// attached to a User. Unique per (provider, external_id, instance_name).
type ExternalID struct {
	UserID       string `json:"user_id"`
	Provider     string `json:"provider"`
	ExternalID   string `json:"external_id"`
	InstanceName string `json:"instance_name"`
}

// UserStore persists local user identities and the agent-user-id cache.
// Last-write-wins is acceptable: the cache is a soft optimization.
type UserStore interface {
	// GetByExternal finds a user by provider-scoped external id.
	// Returns (nil, nil) when no user exists.
	GetByExternal(ctx context.Context, provider, externalID, instanceName string) (*User, error)
	Upsert(ctx context.Context, u *User) error
	LinkExternal(ctx context.Context, link *ExternalID) error

	// RecordInteraction bumps message_count/last_seen_at and refreshes the
	// agent-user-id cache fields for the user.
	RecordInteraction(ctx context.Context, userID, sessionName, agentUserID string) error
}
