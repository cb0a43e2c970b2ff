package security

import "sync"

// Node is the slice of a persistent object the policy needs: its local
// ACL and its owner. The ownership chain ends at a nil parent.
type Node interface {
	ACL() *ACL
	SecurityParent() Node
}

// Principal is an authenticated (or anonymous) identity: its id, the
// groups it belongs to, and its globally granted roles.
type Principal interface {
	PrincipalID() string
	PrincipalGroups() []string
	// GlobalRoles are roles held everywhere, regardless of object.
	GlobalRoles() []string
}

// Policy resolves effective permissions for one principal. Decisions are
// cached per (permission, object) until InvalidateCache is called; the
// router invalidates when the authenticated user changes.
type Policy struct {
	principal Principal

	mu    sync.Mutex
	cache map[policyKey]bool
}

type policyKey struct {
	permission string
	oid        string
}

// NewPolicy builds a security policy for principal.
func NewPolicy(principal Principal) *Policy {
	return &Policy{principal: principal, cache: map[policyKey]bool{}}
}

// Principal returns the identity this policy evaluates for.
func (p *Policy) Principal() Principal { return p.principal }

// InvalidateCache drops all cached permission decisions.
func (p *Policy) InvalidateCache() {
	p.mu.Lock()
	p.cache = map[policyKey]bool{}
	p.mu.Unlock()
}

// Cacheable marks nodes with a stable identity usable as a cache key.
type Cacheable interface {
	UUID() string
}

// CheckPermission reports whether the principal holds permission on obj.
//
// The chain is walked from obj upward. The closest explicit setting
// wins. At each level, a direct principal→permission setting is
// consulted first, then the permissions of roles active at that level.
// Roles are accumulated top-down in effect: global roles plus every
// Allow assignment on the chain, plus AllowSingle assignments on obj
// itself only. A Blocked entry on a node stops the walk above it.
func (p *Policy) CheckPermission(permission string, obj Node) bool {
	if permission == PermissionPublic {
		return true
	}
	var key policyKey
	cacheable := false
	if c, ok := obj.(Cacheable); ok {
		key = policyKey{permission: permission, oid: c.UUID()}
		cacheable = true
		p.mu.Lock()
		if v, ok := p.cache[key]; ok {
			p.mu.Unlock()
			return v
		}
		p.mu.Unlock()
	}

	allowed := p.resolve(permission, obj)

	if cacheable {
		p.mu.Lock()
		p.cache[key] = allowed
		p.mu.Unlock()
	}
	return allowed
}

func (p *Policy) resolve(permission string, obj Node) bool {
	principals := map[string]bool{p.principal.PrincipalID(): true}
	for _, g := range p.principal.PrincipalGroups() {
		principals[g] = true
	}

	roles := map[string]bool{}
	for _, r := range p.principal.GlobalRoles() {
		roles[r] = true
	}
	// Roles assigned anywhere on the chain with Allow apply to obj;
	// AllowSingle assignments apply only where they are set. Collect
	// the full chain first so role grants above obj are visible.
	chain := []Node{}
	for n := obj; n != nil; n = n.SecurityParent() {
		chain = append(chain, n)
	}
	for level, n := range chain {
		acl := n.ACL()
		if acl == nil {
			continue
		}
		for pr, byRole := range acl.PrincipalRoles {
			if !principals[pr] {
				continue
			}
			for role, setting := range byRole {
				switch setting {
				case Allow:
					roles[role] = true
				case AllowSingle:
					if level == 0 {
						roles[role] = true
					}
				case Deny:
					delete(roles, role)
				}
			}
		}
	}

	for level, n := range chain {
		acl := n.ACL()
		for pr := range principals {
			switch s := acl.principalPermission(pr, permission); s {
			case Allow:
				return true
			case AllowSingle:
				if level == 0 {
					return true
				}
			case Deny:
				return false
			}
		}
		decided := false
		allowed := false
		for role := range roles {
			switch s := acl.rolePermission(role, permission); s {
			case Allow:
				decided, allowed = true, true
			case AllowSingle:
				if level == 0 {
					decided, allowed = true, true
				}
			case Deny:
				// An explicit Deny at the same level beats Allow.
				return false
			}
		}
		if decided {
			return allowed
		}
		if acl.blocked(permission) {
			return false
		}
	}
	return false
}
