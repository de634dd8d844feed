package model

// Role is the closed set of administrator roles. Each role maps to a fixed
// permission set; there is no way to construct an account with a role that
// is not in roleTable.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleTeamMember Role = "team_member"
	RoleObserver   Role = "observer"
)

// Permission names a capability granted to an administrator through its role.
type Permission string

const (
	PermFullAccess           Permission = "full_access"
	PermUserManagement       Permission = "user_management"
	PermKeyGeneration        Permission = "key_generation"
	PermLimitedKeyGeneration Permission = "limited_key_generation"
	PermBotControl           Permission = "bot_control"
	PermViewStats            Permission = "view_stats"
	PermViewLogs             Permission = "view_logs"
	PermSystemConfig         Permission = "system_config"
)

type roleSpec struct {
	displayName string
	permissions []Permission
}

var roleTable = map[Role]roleSpec{
	RoleSuperAdmin: {
		displayName: "Super Administrator",
		permissions: []Permission{
			PermFullAccess,
			PermUserManagement,
			PermKeyGeneration,
			PermBotControl,
			PermViewLogs,
			PermSystemConfig,
		},
	},
	RoleTeamMember: {
		displayName: "Team Member",
		permissions: []Permission{
			PermBotControl,
			PermViewStats,
			PermLimitedKeyGeneration,
			PermViewLogs,
		},
	},
	RoleObserver: {
		displayName: "Observer",
		permissions: []Permission{
			PermViewStats,
			PermViewLogs,
		},
	},
}

// Roles returns every recognized role, most privileged first.
func Roles() []Role {
	return []Role{RoleSuperAdmin, RoleTeamMember, RoleObserver}
}

// ParseRole converts a string into a Role. The second return value is false
// when the string does not name a recognized role.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}

// Valid reports whether r is one of the recognized roles.
func (r Role) Valid() bool {
	_, ok := roleTable[r]
	return ok
}

// DisplayName returns the human-readable role name, or the raw value for an
// unrecognized role.
func (r Role) DisplayName() string {
	if spec, ok := roleTable[r]; ok {
		return spec.displayName
	}
	return string(r)
}

// Permissions returns a copy of the canonical permission set for r. An
// unrecognized role has no permissions.
func (r Role) Permissions() []Permission {
	spec, ok := roleTable[r]
	if !ok {
		return nil
	}
	out := make([]Permission, len(spec.permissions))
	copy(out, spec.permissions)
	return out
}

// HasAnyPermission reports whether granted contains at least one of want.
// full_access satisfies every check.
func HasAnyPermission(granted []Permission, want ...Permission) bool {
	for _, g := range granted {
		if g == PermFullAccess {
			return true
		}
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}
