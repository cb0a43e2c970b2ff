package security

import "testing"

// node is a minimal security tree node for policy tests.
type node struct {
	id     string
	acl    *ACL
	parent *node
}

func (n *node) ACL() *ACL { return n.acl }
func (n *node) SecurityParent() Node {
	if n.parent == nil {
		return nil
	}
	return n.parent
}
func (n *node) UUID() string { return n.id }

type principal struct {
	id     string
	groups []string
	roles  []string
}

func (p principal) PrincipalID() string       { return p.id }
func (p principal) PrincipalGroups() []string { return p.groups }
func (p principal) GlobalRoles() []string     { return p.roles }

func tree() (root, mid, leaf *node) {
	root = &node{id: "root", acl: NewACL()}
	mid = &node{id: "mid", acl: NewACL(), parent: root}
	leaf = &node{id: "leaf", acl: NewACL(), parent: mid}
	return
}

func TestPublicPermissionAlwaysAllowed(t *testing.T) {
	p := NewPolicy(principal{id: "anyone"})
	_, _, leaf := tree()
	if !p.CheckPermission(PermissionPublic, leaf) {
		t.Error("public permission must never be denied")
	}
}

func TestDirectPrincipalGrant(t *testing.T) {
	root, _, leaf := tree()
	root.acl.GrantPermissionToPrincipal("bob", PermissionViewContent)

	p := NewPolicy(principal{id: "bob"})
	if !p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("grant on an ancestor must apply to descendants")
	}
	other := NewPolicy(principal{id: "eve"})
	if other.CheckPermission(PermissionViewContent, leaf) {
		t.Error("no grant, no access")
	}
}

func TestClosestSettingWins(t *testing.T) {
	root, mid, leaf := tree()
	root.acl.GrantPermissionToPrincipal("bob", PermissionViewContent)
	mid.acl.DenyPermissionToPrincipal("bob", PermissionViewContent)

	p := NewPolicy(principal{id: "bob"})
	if p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("the deny closer to the object must beat the grant above")
	}
	if !p.CheckPermission(PermissionViewContent, root) {
		t.Error("the grant still applies where the deny is below")
	}
}

func TestRoleGrantThroughChain(t *testing.T) {
	root, mid, leaf := tree()
	root.acl.GrantPermissionToRole(RoleReader, PermissionViewContent)
	mid.acl.AssignRoleToPrincipal("bob", RoleReader)

	p := NewPolicy(principal{id: "bob"})
	if !p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("role assigned on the chain must carry its permissions down")
	}
}

func TestAllowSingleAppliesOnlyAtLevelZero(t *testing.T) {
	_, mid, leaf := tree()
	mid.acl.AssignRoleToPrincipalNoInherit("bob", RoleReader)
	mid.acl.GrantPermissionToRole(RoleReader, PermissionViewContent)

	p := NewPolicy(principal{id: "bob"})
	if !p.CheckPermission(PermissionViewContent, mid) {
		t.Error("no-inherit assignment must apply on the object itself")
	}
	if p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("no-inherit assignment must not flow to children")
	}
}

func TestGlobalRoles(t *testing.T) {
	root, _, leaf := tree()
	root.acl.GrantPermissionToRole(RoleManager, PermissionDeleteContent)

	p := NewPolicy(principal{id: "admin", roles: []string{RoleManager}})
	if !p.CheckPermission(PermissionDeleteContent, leaf) {
		t.Error("global role must apply everywhere")
	}
}

func TestGroupGrants(t *testing.T) {
	root, _, leaf := tree()
	root.acl.GrantPermissionToPrincipal("staff", PermissionViewContent)

	p := NewPolicy(principal{id: "bob", groups: []string{"staff"}})
	if !p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("group membership must confer the group's grants")
	}
}

func TestBlockedInheritanceStopsWalk(t *testing.T) {
	root, mid, leaf := tree()
	root.acl.GrantPermissionToPrincipal("bob", PermissionViewContent)
	mid.acl.BlockInheritance(PermissionViewContent)

	p := NewPolicy(principal{id: "bob"})
	if p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("a block between object and grant must cut inheritance")
	}
}

func TestDenyBeatsAllowAtSameLevel(t *testing.T) {
	root, _, leaf := tree()
	root.acl.AssignRoleToPrincipal("bob", RoleReader)
	root.acl.AssignRoleToPrincipal("bob", RoleMember)
	root.acl.GrantPermissionToRole(RoleReader, PermissionViewContent)
	root.acl.DenyPermissionToRole(RoleMember, PermissionViewContent)

	p := NewPolicy(principal{id: "bob"})
	if p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("an explicit deny at the level must beat an allow")
	}
}

func TestDecisionCache(t *testing.T) {
	root, _, leaf := tree()
	p := NewPolicy(principal{id: "bob"})

	if p.CheckPermission(PermissionViewContent, leaf) {
		t.Fatal("unexpected initial access")
	}
	// The grant lands after the first check; the cached denial holds
	// until invalidated.
	root.acl.GrantPermissionToPrincipal("bob", PermissionViewContent)
	if p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("decision should still come from the cache")
	}
	p.InvalidateCache()
	if !p.CheckPermission(PermissionViewContent, leaf) {
		t.Error("fresh evaluation must see the new grant")
	}
}

func TestDefaultGrantsMatrix(t *testing.T) {
	app := &node{id: "app", acl: DefaultGrants()}

	anon := NewPolicy(principal{id: "Anonymous User", roles: []string{RoleAnonymous}})
	if !anon.CheckPermission(PermissionAccessContent, app) {
		t.Error("anonymous must reach content to attempt login")
	}
	if anon.CheckPermission(PermissionViewContent, app) {
		t.Error("anonymous must not view by default")
	}

	manager := NewPolicy(principal{id: "root", roles: []string{RoleManager}})
	for _, perm := range []string{
		PermissionViewContent, PermissionAddContent,
		PermissionModifyContent, PermissionDeleteContent, PermissionManageAddons,
	} {
		if !manager.CheckPermission(perm, app) {
			t.Errorf("manager should hold %s", perm)
		}
	}
}
