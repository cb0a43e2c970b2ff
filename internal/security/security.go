// Package security implements the role/permission model: tri-state
// settings, per-object ACLs, and the policy that resolves effective
// permissions by walking an object's ownership chain.
package security

// Setting is the tri-state (plus AllowSingle) value attached to a
// principal/role or role/permission pair.
type Setting int

const (
	// Unset means no explicit setting; the decision is deferred to
	// inherited settings further up the chain.
	Unset Setting = iota
	// Allow grants the pair, and the grant is inherited by children.
	Allow
	// Deny refuses the pair.
	Deny
	// AllowSingle grants the pair on the object it is set on only; it is
	// not inherited by children.
	AllowSingle
)

func (s Setting) String() string {
	switch s {
	case Allow:
		return "Allow"
	case Deny:
		return "Deny"
	case AllowSingle:
		return "AllowSingle"
	default:
		return "Unset"
	}
}

// Well-known permissions and roles.
const (
	PermissionAccessContent  = "tessella.AccessContent"
	PermissionViewContent    = "tessella.ViewContent"
	PermissionModifyContent  = "tessella.ModifyContent"
	PermissionAddContent     = "tessella.AddContent"
	PermissionDeleteContent  = "tessella.DeleteContent"
	PermissionManageAddons   = "tessella.ManageAddons"
	PermissionPublic         = "tessella.Public" // always allowed

	RoleManager       = "tessella.Manager"
	RoleOwner         = "tessella.Owner"
	RoleMember        = "tessella.Member"
	RoleReader        = "tessella.Reader"
	RoleAuthenticated = "tessella.Authenticated"
	RoleAnonymous     = "tessella.Anonymous"
)

// ACL holds the local security assertions stored on one object.
// All maps are keyed outer→inner as named. A nil ACL behaves as empty.
type ACL struct {
	// PrincipalPermissions maps principal id → permission id → setting.
	PrincipalPermissions map[string]map[string]Setting `msgpack:"pperm" json:"pperm,omitempty"`
	// PrincipalRoles maps principal id → role id → setting.
	PrincipalRoles map[string]map[string]Setting `msgpack:"proles" json:"proles,omitempty"`
	// RolePermissions maps role id → permission id → setting.
	RolePermissions map[string]map[string]Setting `msgpack:"rperm" json:"rperm,omitempty"`
	// Blocked marks permissions whose inheritance stops at this object:
	// settings from objects above it are not consulted.
	Blocked map[string]bool `msgpack:"blocked" json:"blocked,omitempty"`
}

// NewACL returns an empty ACL ready for assignment.
func NewACL() *ACL {
	return &ACL{
		PrincipalPermissions: map[string]map[string]Setting{},
		PrincipalRoles:       map[string]map[string]Setting{},
		RolePermissions:      map[string]map[string]Setting{},
		Blocked:              map[string]bool{},
	}
}

func set2(m map[string]map[string]Setting, a, b string, s Setting) map[string]map[string]Setting {
	if m == nil {
		m = map[string]map[string]Setting{}
	}
	inner := m[a]
	if inner == nil {
		inner = map[string]Setting{}
		m[a] = inner
	}
	inner[b] = s
	return m
}

// GrantPermissionToPrincipal sets Allow for (principal, permission).
func (a *ACL) GrantPermissionToPrincipal(principal, permission string) {
	a.PrincipalPermissions = set2(a.PrincipalPermissions, principal, permission, Allow)
}

// DenyPermissionToPrincipal sets Deny for (principal, permission).
func (a *ACL) DenyPermissionToPrincipal(principal, permission string) {
	a.PrincipalPermissions = set2(a.PrincipalPermissions, principal, permission, Deny)
}

// AssignRoleToPrincipal sets Allow for (principal, role).
func (a *ACL) AssignRoleToPrincipal(principal, role string) {
	a.PrincipalRoles = set2(a.PrincipalRoles, principal, role, Allow)
}

// AssignRoleToPrincipalNoInherit sets AllowSingle for (principal, role).
func (a *ACL) AssignRoleToPrincipalNoInherit(principal, role string) {
	a.PrincipalRoles = set2(a.PrincipalRoles, principal, role, AllowSingle)
}

// GrantPermissionToRole sets Allow for (role, permission).
func (a *ACL) GrantPermissionToRole(role, permission string) {
	a.RolePermissions = set2(a.RolePermissions, role, permission, Allow)
}

// GrantPermissionToRoleNoInherit sets AllowSingle for (role, permission).
func (a *ACL) GrantPermissionToRoleNoInherit(role, permission string) {
	a.RolePermissions = set2(a.RolePermissions, role, permission, AllowSingle)
}

// DenyPermissionToRole sets Deny for (role, permission).
func (a *ACL) DenyPermissionToRole(role, permission string) {
	a.RolePermissions = set2(a.RolePermissions, role, permission, Deny)
}

// BlockInheritance stops inheritance of permission above this object.
func (a *ACL) BlockInheritance(permission string) {
	if a.Blocked == nil {
		a.Blocked = map[string]bool{}
	}
	a.Blocked[permission] = true
}

func (a *ACL) principalPermission(principal, permission string) Setting {
	if a == nil {
		return Unset
	}
	return a.PrincipalPermissions[principal][permission]
}

func (a *ACL) rolePermission(role, permission string) Setting {
	if a == nil {
		return Unset
	}
	return a.RolePermissions[role][permission]
}

func (a *ACL) blocked(permission string) bool {
	return a != nil && a.Blocked[permission]
}
