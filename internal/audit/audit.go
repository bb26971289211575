// Package audit records login and account lifecycle events.
package audit

import (
	"context"
	"time"
)

// AuditEvent is one recorded action.
type AuditEvent struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`         // account id or "anonymous"
	ActorType    string    `json:"actor_type"`    // "account" or "anonymous"
	Action       string    `json:"action"`        // see Action* constants
	ResourceType string    `json:"resource_type"` // "account" or "session"
	ResourceID   string    `json:"resource_id"`
	ResourceName string    `json:"resource_name,omitempty"`
	Changes      *Changes  `json:"changes,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	StatusCode   int       `json:"status_code"` // HTTP-style outcome of the action
}

// Changes captures before and after values for role changes.
type Changes struct {
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
}

// ListOptions filters and paginates List.
type ListOptions struct {
	Limit        int
	Offset       int
	Actor        string
	Action       string
	ResourceType string
	Since        *time.Time
	Until        *time.Time
}

// AuditLogger stores audit events.
type AuditLogger interface {
	// Log records an audit event, assigning ID and Timestamp when unset.
	Log(ctx context.Context, event *AuditEvent) error

	// List returns matching events newest first, plus the total match count.
	List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error)

	// GetByResource returns every event for one resource.
	GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error)
}

const (
	ActionLogin          = "login"
	ActionLoginFailed    = "login_failed"
	ActionLogout         = "logout"
	ActionAccountCreated = "account_created"
	ActionRoleChanged    = "role_changed"
)

const (
	ResourceAccount = "account"
	ResourceSession = "session"
)

const (
	ActorTypeAccount   = "account"
	ActorTypeAnonymous = "anonymous"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
