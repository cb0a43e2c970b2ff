package security

// DefaultGrants returns the ACL installed on the application root: the
// standard role-to-permission matrix every request starts from.
func DefaultGrants() *ACL {
	acl := NewACL()
	for _, p := range []string{
		PermissionAccessContent, PermissionViewContent, PermissionAddContent,
		PermissionModifyContent, PermissionDeleteContent, PermissionManageAddons,
	} {
		acl.GrantPermissionToRole(RoleManager, p)
		acl.GrantPermissionToRole(RoleOwner, p)
	}
	for _, p := range []string{
		PermissionAccessContent, PermissionViewContent,
		PermissionAddContent, PermissionModifyContent,
	} {
		acl.GrantPermissionToRole(RoleMember, p)
	}
	acl.GrantPermissionToRole(RoleReader, PermissionAccessContent)
	acl.GrantPermissionToRole(RoleReader, PermissionViewContent)
	acl.GrantPermissionToRole(RoleAuthenticated, PermissionAccessContent)
	// Anonymous may reach content to attempt @login; everything else
	// needs an explicit grant further down the tree.
	acl.GrantPermissionToRole(RoleAnonymous, PermissionAccessContent)
	return acl
}
