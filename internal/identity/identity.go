// Package identity exchanges OAuth authorization codes for external user profiles.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds one full code exchange including the profile fetch.
const DefaultTimeout = 10 * time.Second

// ErrProvider matches every failure returned by a Provider.
var ErrProvider = errors.New("identity provider error")

// ProviderError describes a failed exchange step.
type ProviderError struct {
	Provider string
	Op       string // "exchange", "userinfo", "decode", "verify"
	Status   int    // HTTP status for non-2xx responses, else 0
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is reports true for ErrProvider so callers can match the whole class.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// Profile is the external identity observed for one login attempt.
type Profile struct {
	ExternalID    string
	Username      string
	Discriminator string
	AvatarRef     string
}

// DisplayName renders username#discriminator, or the bare username for
// accounts without a legacy discriminator.
func (p Profile) DisplayName() string {
	if p.Discriminator == "" || p.Discriminator == "0" {
		return p.Username
	}
	return p.Username + "#" + p.Discriminator
}

// Provider is an OAuth identity provider.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// AuthCodeURL returns the provider authorization URL carrying state.
	AuthCodeURL(state string) string

	// Exchange redeems an authorization code for the caller's profile.
	// Every error satisfies errors.Is(err, ErrProvider).
	Exchange(ctx context.Context, code string) (*Profile, error)
}
