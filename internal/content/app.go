package content

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/security"
)

// Application is the non-persistent root the traversal starts from. It
// holds the mounted databases and any static children. Runtime-only:
// it never reaches storage.
type Application struct {
	mu        sync.RWMutex
	acl       *security.ACL
	databases map[string]*Database
	children  map[string]Resource
}

// NewApplication returns an empty application root carrying the
// default role grants.
func NewApplication() *Application {
	return &Application{
		acl:       security.DefaultGrants(),
		databases: map[string]*Database{},
		children:  map[string]Resource{},
	}
}

// AddDatabase mounts dbh under its name.
func (a *Application) AddDatabase(dbh *Database) {
	a.mu.Lock()
	a.databases[dbh.Name()] = dbh
	a.mu.Unlock()
	dbh.app = a
}

// AddChild mounts a static runtime child.
func (a *Application) AddChild(res Resource) {
	a.mu.Lock()
	a.children[res.Name()] = res
	a.mu.Unlock()
}

// Databases lists mounted database names, sorted.
func (a *Application) Databases() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.databases))
	for n := range a.databases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveChild implements ChildResolver over mounted databases and
// static children.
func (a *Application) ResolveChild(_ context.Context, name string) (Resource, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if dbh, ok := a.databases[name]; ok {
		return dbh, nil
	}
	if res, ok := a.children[name]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("%w: /%s", db.ErrNotFound, name)
}

// UUID implements db.Object with a reserved runtime id.
func (a *Application) UUID() string { return "application" }

// SetUUID implements Resource; the application id is fixed.
func (a *Application) SetUUID(string) {}

// LastCommitted implements db.Object.
func (a *Application) LastCommitted() uint64 { return 0 }

// SetLastCommitted implements db.Object.
func (a *Application) SetLastCommitted(uint64) {}

// Name implements db.Object.
func (a *Application) Name() string { return "" }

// SetName implements Resource.
func (a *Application) SetName(string) {}

// ParentUUID implements db.Object.
func (a *Application) ParentUUID() string { return "" }

// SetParentUUID implements Resource.
func (a *Application) SetParentUUID(string) {}

// AnnotationOf implements db.Object.
func (a *Application) AnnotationOf() string { return "" }

// TypeName implements db.Object.
func (a *Application) TypeName() string { return "Application" }

// Parent implements Resource; the application is the top.
func (a *Application) Parent() Resource { return nil }

// SetParent implements Resource.
func (a *Application) SetParent(Resource) {}

// ACL implements security.Node. Global grants (the root user's manager
// roles) live here.
func (a *Application) ACL() *security.ACL { return a.acl }

// SecurityParent implements security.Node.
func (a *Application) SecurityParent() security.Node { return nil }

// Markers implements Resource.
func (a *Application) Markers() []string {
	return []string{MarkerApplication, MarkerTraversable, MarkerResource}
}

// Value implements Resource.
func (a *Application) Value(string) any { return nil }

// SetValue implements Resource.
func (a *Application) SetValue(string, any) {}

// Database is the runtime handle for one mounted database. Traversing
// into it opens a transaction and continues from the database's root
// object; the handle itself holds no content.
type Database struct {
	id      string
	manager *db.Manager
	app     *Application
}

// NewDatabase wraps manager as the mounted database id.
func NewDatabase(id string, manager *db.Manager) *Database {
	return &Database{id: id, manager: manager}
}

// TransactionManager returns the database's manager.
func (d *Database) TransactionManager() *db.Manager { return d.manager }

// UUID implements db.Object.
func (d *Database) UUID() string { return "db-" + d.id }

// SetUUID implements Resource.
func (d *Database) SetUUID(string) {}

// LastCommitted implements db.Object.
func (d *Database) LastCommitted() uint64 { return 0 }

// SetLastCommitted implements db.Object.
func (d *Database) SetLastCommitted(uint64) {}

// Name implements db.Object.
func (d *Database) Name() string { return d.id }

// SetName implements Resource.
func (d *Database) SetName(string) {}

// ParentUUID implements db.Object.
func (d *Database) ParentUUID() string { return "" }

// SetParentUUID implements Resource.
func (d *Database) SetParentUUID(string) {}

// AnnotationOf implements db.Object.
func (d *Database) AnnotationOf() string { return "" }

// TypeName implements db.Object.
func (d *Database) TypeName() string { return "Database" }

// Parent implements Resource.
func (d *Database) Parent() Resource {
	if d.app == nil {
		return nil
	}
	return d.app
}

// SetParent implements Resource.
func (d *Database) SetParent(Resource) {}

// ACL implements security.Node; database handles carry no local
// assertions, the persisted root object does.
func (d *Database) ACL() *security.ACL { return nil }

// SecurityParent implements security.Node.
func (d *Database) SecurityParent() security.Node {
	if d.app == nil {
		return nil
	}
	return d.app
}

// Markers implements Resource.
func (d *Database) Markers() []string { return []string{MarkerDatabase, MarkerResource} }

// Value implements Resource.
func (d *Database) Value(string) any { return nil }

// SetValue implements Resource.
func (d *Database) SetValue(string, any) {}

// IsDatabase reports whether res is a mounted database handle.
func IsDatabase(res Resource) (*Database, bool) {
	dbh, ok := res.(*Database)
	return dbh, ok
}
