package auth

import (
	"errors"
	"time"
)

// Account errors.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrInvalidAccount  = errors.New("invalid account")
)

// Account is a locally known identity.
type Account struct {
	ID          string     `json:"id"`
	ExternalID  string     `json:"external_id"`
	DisplayName string     `json:"display_name"`
	AvatarRef   string     `json:"avatar_ref,omitempty"`
	Role        Role       `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// validate checks the fields every store requires before a write.
func (a *Account) validate() error {
	if a == nil || a.ID == "" || a.ExternalID == "" {
		return ErrInvalidAccount
	}
	if !IsValidRole(a.Role) {
		return ErrInvalidRole
	}
	return nil
}

// copyAccount creates a deep copy of an Account.
func copyAccount(a *Account) *Account {
	if a == nil {
		return nil
	}
	cpy := *a
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		cpy.LastLoginAt = &t
	}
	return &cpy
}
