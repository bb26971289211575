package auth

import "testing"

func TestPolicy_MapRole(t *testing.T) {
	policy := Policy{
		OwnerGroup:        "g-owner",
		AdminGroup:        "g-admin",
		StaffGroup:        "g-staff",
		ApplicationsGroup: "g-apps",
		PermanentOwnerID:  "42",
	}

	tests := []struct {
		name       string
		groups     GroupSet
		externalID string
		want       Role
	}{
		{"no groups", NewGroupSet(), "7", RoleMember},
		{"nil groups", nil, "7", RoleMember},
		{"unrelated groups", NewGroupSet("g-other", "g-x"), "7", RoleMember},
		{"owner", NewGroupSet("g-owner"), "7", RoleOwner},
		{"admin and staff picks admin", NewGroupSet("g-staff", "g-admin"), "7", RoleAdmin},
		{"staff and applications picks staff", NewGroupSet("g-apps", "g-staff"), "7", RoleStaff},
		{"applications", NewGroupSet("g-apps"), "7", RoleApplications},
		{"every tier picks owner", NewGroupSet("g-apps", "g-staff", "g-admin", "g-owner"), "7", RoleOwner},
		{"permanent owner with no groups", NewGroupSet(), "42", RoleOwner},
		{"permanent owner keeps higher computed role", NewGroupSet("g-admin"), "42", RoleAdmin},
		{"permanent owner with staff stays staff", NewGroupSet("g-staff"), "42", RoleStaff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.MapRole(tt.groups, tt.externalID); got != tt.want {
				t.Errorf("MapRole() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPolicy_DisabledTiers(t *testing.T) {
	// Only staff configured; empty ids must never match, even an empty-string group.
	policy := Policy{StaffGroup: "g-staff"}

	if got := policy.MapRole(NewGroupSet(""), "7"); got != RoleMember {
		t.Errorf("empty group id matched a disabled tier: %q", got)
	}
	if got := policy.MapRole(NewGroupSet("g-staff", ""), "7"); got != RoleStaff {
		t.Errorf("MapRole() = %q, want staff", got)
	}
}

func TestPolicy_NoPermanentOwner(t *testing.T) {
	policy := Policy{PermanentOwnerID: DefaultPermanentOwnerID}
	if got := policy.MapRole(NewGroupSet(), ""); got != RoleMember {
		t.Errorf("empty external id escalated to %q", got)
	}
	if policy.IsPermanentOwner("") {
		t.Error("empty id should never be the permanent owner")
	}
}

func TestGroupSet_Clone(t *testing.T) {
	orig := NewGroupSet("a", "b")
	cpy := orig.Clone()
	delete(cpy, "a")
	if !orig.Has("a") {
		t.Error("Clone shares storage with the original")
	}
}
