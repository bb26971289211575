package auth

// DefaultPermanentOwnerID is the external id that is always entitled to
// RoleOwner. Empty disables the override; deployments set it through
// configuration.
const DefaultPermanentOwnerID = ""

// GroupSet is the set of external group ids observed for one login attempt.
type GroupSet map[string]struct{}

// NewGroupSet builds a GroupSet from a list of ids.
func NewGroupSet(ids ...string) GroupSet {
	set := make(GroupSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Has reports whether id is in the set.
func (g GroupSet) Has(id string) bool {
	_, ok := g[id]
	return ok
}

// Clone returns an independent copy of the set.
func (g GroupSet) Clone() GroupSet {
	out := make(GroupSet, len(g))
	for id := range g {
		out[id] = struct{}{}
	}
	return out
}

// Policy maps external group memberships to a single Role.
//
// Each tier is matched by exactly one group id. An empty id disables the
// tier.
type Policy struct {
	OwnerGroup        string
	AdminGroup        string
	StaffGroup        string
	ApplicationsGroup string

	// PermanentOwnerID names one external identity that is escalated to
	// RoleOwner whenever the group mapping alone yields RoleMember.
	PermanentOwnerID string
}

// tier pairs a role with the group that grants it.
type tier struct {
	role  Role
	group string
}

// tiers returns the configured tiers, highest precedence first.
func (p Policy) tiers() []tier {
	return []tier{
		{RoleOwner, p.OwnerGroup},
		{RoleAdmin, p.AdminGroup},
		{RoleStaff, p.StaffGroup},
		{RoleApplications, p.ApplicationsGroup},
	}
}

// MapRole returns the highest-precedence role whose group is present in
// groups, or RoleMember when none match. The permanent-owner override is
// applied last.
func (p Policy) MapRole(groups GroupSet, externalID string) Role {
	role := RoleMember
	for _, t := range p.tiers() {
		if t.group != "" && groups.Has(t.group) {
			role = t.role
			break
		}
	}
	return p.applyPermanentOwner(role, externalID)
}

// applyPermanentOwner escalates the permanent owner from RoleMember to
// RoleOwner. It runs on every login so the owner cannot be locked out by a
// misconfigured or unreachable directory.
func (p Policy) applyPermanentOwner(role Role, externalID string) Role {
	if role == RoleMember && p.PermanentOwnerID != "" && externalID == p.PermanentOwnerID {
		return RoleOwner
	}
	return role
}

// IsPermanentOwner reports whether externalID is the configured permanent owner.
func (p Policy) IsPermanentOwner(externalID string) bool {
	return p.PermanentOwnerID != "" && externalID == p.PermanentOwnerID
}
