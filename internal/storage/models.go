package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique value is inserted twice.
	ErrDuplicate = errors.New("already exists")
	// ErrExpired is returned when a caller token is past its expiration.
	ErrExpired = errors.New("expired")
)

// Credential is an upstream session cookie. Only active credentials take
// part in rotation.
type Credential struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CredentialUpdate holds the mutable fields of a credential. Nil fields are
// left unchanged.
type CredentialUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

// CallerToken identifies an API caller and carries its entitlements.
type CallerToken struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Value            string     `json:"value"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RateLimitEnabled bool       `json:"rate_limit_enabled"`
	QueuePriority    bool       `json:"queue_priority"`
	Premium          bool       `json:"premium"`
	UsageCount       int64      `json:"usage_count"`
	RecentIPs        []IPEntry  `json:"recent_ips,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Expired reports whether the token has an expiration at or before now.
func (t CallerToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// CallerTokenUpdate holds the mutable fields of a caller token.
type CallerTokenUpdate struct {
	Name             *string    `json:"name,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ClearExpiration  bool       `json:"clear_expiration,omitempty"`
	RateLimitEnabled *bool      `json:"rate_limit_enabled,omitempty"`
	QueuePriority    *bool      `json:"queue_priority,omitempty"`
	Premium          *bool      `json:"premium,omitempty"`
}

// IPEntry records a client address that used a caller token.
type IPEntry struct {
	IP     string    `json:"ip"`
	SeenAt time.Time `json:"seen_at"`
}

// ErrorRule is a response-text pattern that marks an upstream reply as a
// failure worth retrying with another credential.
type ErrorRule struct {
	ID             string    `json:"id"`
	Pattern        string    `json:"pattern"`
	Description    string    `json:"description"`
	Classification string    `json:"classification"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ErrorRuleUpdate holds the mutable fields of an error rule.
type ErrorRuleUpdate struct {
	Pattern        *string `json:"pattern,omitempty"`
	Description    *string `json:"description,omitempty"`
	Classification *string `json:"classification,omitempty"`
}
