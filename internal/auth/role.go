// Package auth provides accounts, roles, sessions, and the authorization gate for guildgate.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRole is returned when a string does not name a known role.
var ErrInvalidRole = errors.New("invalid role")

// Role is a site permission tier. The set is closed; see ValidRoles.
type Role string

const (
	// RoleOwner is the highest tier.
	RoleOwner Role = "owner"

	// RoleAdmin manages the site.
	RoleAdmin Role = "admin"

	// RoleStaff is general staff.
	RoleStaff Role = "staff"

	// RoleApplications reviews applications.
	RoleApplications Role = "applications"

	// RoleMember is the default tier for every authenticated account.
	RoleMember Role = "member"
)

// ValidRoles returns all roles, highest precedence first.
func ValidRoles() []Role {
	return []Role{RoleOwner, RoleAdmin, RoleStaff, RoleApplications, RoleMember}
}

// IsValidRole returns true if the given role is a member of the closed role set.
func IsValidRole(role Role) bool {
	return Precedence(role) > 0
}

// Precedence returns the rank of a role, higher meaning more privileged.
// Unknown roles rank 0.
func Precedence(role Role) int {
	switch role {
	case RoleOwner:
		return 5
	case RoleAdmin:
		return 4
	case RoleStaff:
		return 3
	case RoleApplications:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// ParseRole parses a stored or configured role name.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if !IsValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return role, nil
}

// RoleSet is an explicit allow-list of roles for a protected route.
type RoleSet map[Role]struct{}

// NewRoleSet builds a RoleSet. Invalid roles are dropped so they can never match.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		if IsValidRole(r) {
			set[r] = struct{}{}
		}
	}
	return set
}

// Contains reports whether role is in the set.
func (s RoleSet) Contains(role Role) bool {
	_, ok := s[role]
	return ok
}

// Roles returns the members of the set, highest precedence first.
func (s RoleSet) Roles() []Role {
	out := make([]Role, 0, len(s))
	for _, r := range ValidRoles() {
		if s.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// IsAuthenticated reports whether a session principal refers to an account.
func IsAuthenticated(p Principal) bool {
	return p != ""
}

// HasRole checks an account's role against an allow-list.
//
// The check is flat: no role implies another, so a route that allows only
// RoleAdmin rejects RoleOwner. Routes must enumerate every role they accept.
func HasRole(account *Account, allowed RoleSet) bool {
	if account == nil {
		return false
	}
	switch account.Role {
	case RoleOwner, RoleAdmin, RoleStaff, RoleApplications, RoleMember:
		return allowed.Contains(account.Role)
	default:
		return false
	}
}
