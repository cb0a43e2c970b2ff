// Package content defines the persistent object model the traversal
// walks: a typed tree of resources with identity, ownership and local
// security assertions.
package content

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/security"
)

// Markers tag resource types for view lookup and traversal decisions.
const (
	MarkerResource    = "resource"
	MarkerTraversable = "traversable"
	MarkerFolder      = "folder"
	MarkerContainer   = "container"
	MarkerRoot        = "root"
	MarkerApplication = "application"
	MarkerDatabase    = "database"
	MarkerAnnotation  = "annotation"
)

// Resource is one node of the content tree. Persistent resources embed
// Base; the Application and Database handles are runtime-only nodes
// that also satisfy it.
type Resource interface {
	db.Object
	security.Node

	Parent() Resource
	SetParent(p Resource)
	SetUUID(oid string)
	SetName(name string)
	SetParentUUID(oid string)

	// Markers lists the capability tags views can be registered
	// against, most specific first.
	Markers() []string

	// Value and SetValue access the resource's content fields.
	Value(key string) any
	SetValue(key string, v any)
}

// ChildResolver is the asynchronous child-lookup capability. Traversal
// prefers it over indexed lookup when a node exposes it.
type ChildResolver interface {
	ResolveChild(ctx context.Context, name string) (Resource, error)
}

// Base carries the identity every persistent object shares: a unique
// opaque id, the tid of the last transaction that committed it, its
// name under the parent, and the ownership references. The parent
// pointer is non-owning runtime state; OfID marks annotation objects
// attached "of" an owner instead of parented.
type Base struct {
	OID      string
	TID      uint64
	ID       string
	ParentID string
	OfID     string
	Type     string
	Security *security.ACL
	Data     map[string]any

	parent Resource
	outer  Resource
	txn    *db.Transaction
}

// NewBase mints a Base of the given type with a fresh uuid.
func NewBase(typeName, name string) Base {
	return Base{OID: uuid.NewString(), ID: name, Type: typeName, Data: map[string]any{}}
}

// UUID implements db.Object.
func (b *Base) UUID() string { return b.OID }

// SetUUID replaces the object id; only bootstrap code should.
func (b *Base) SetUUID(oid string) { b.OID = oid }

// LastCommitted implements db.Object.
func (b *Base) LastCommitted() uint64 { return b.TID }

// SetLastCommitted implements db.Object.
func (b *Base) SetLastCommitted(tid uint64) { b.TID = tid }

// Name implements db.Object.
func (b *Base) Name() string { return b.ID }

// SetName renames the object under its parent.
func (b *Base) SetName(name string) { b.ID = name }

// ParentUUID implements db.Object.
func (b *Base) ParentUUID() string { return b.ParentID }

// SetParentUUID reparents the object.
func (b *Base) SetParentUUID(oid string) { b.ParentID = oid }

// AnnotationOf implements db.Object.
func (b *Base) AnnotationOf() string { return b.OfID }

// TypeName implements db.Object.
func (b *Base) TypeName() string { return b.Type }

// Parent returns the in-memory parent, nil when not attached.
func (b *Base) Parent() Resource { return b.parent }

// SetParent attaches the runtime parent pointer.
func (b *Base) SetParent(p Resource) {
	b.parent = p
	if p != nil {
		b.ParentID = p.UUID()
	}
}

// ACL implements security.Node. Lazily allocated.
func (b *Base) ACL() *security.ACL {
	if b.Security == nil {
		b.Security = security.NewACL()
	}
	return b.Security
}

// SecurityParent implements security.Node.
func (b *Base) SecurityParent() security.Node {
	if b.parent == nil {
		return nil
	}
	return b.parent
}

// Markers implements Resource; concrete types shadow it.
func (b *Base) Markers() []string { return []string{MarkerResource} }

// Value returns a content field, nil when absent.
func (b *Base) Value(key string) any {
	if b.Data == nil {
		return nil
	}
	return b.Data[key]
}

// SetValue stores a content field.
func (b *Base) SetValue(key string, v any) {
	if b.Data == nil {
		b.Data = map[string]any{}
	}
	b.Data[key] = v
}

// ContentBase exposes the embedded Base to the codec.
func (b *Base) ContentBase() *Base { return b }

// AttachTxn is called by the transaction on registration so the object
// can lazy-load children through it.
func (b *Base) AttachTxn(txn *db.Transaction) { b.txn = txn }

// Txn returns the transaction that loaded this object, nil for
// unregistered objects.
func (b *Base) Txn() *db.Transaction { return b.txn }

// ResolveChild implements ChildResolver through the loading
// transaction. A missing child is db.ErrNotFound.
func (b *Base) ResolveChild(ctx context.Context, name string) (Resource, error) {
	if b.txn == nil {
		return nil, fmt.Errorf("%w: object %s has no transaction", db.ErrTransactionNotFound, b.OID)
	}
	ob, err := b.txn.GetChild(ctx, b, name)
	if err != nil {
		return nil, err
	}
	res, ok := ob.(Resource)
	if !ok {
		return nil, fmt.Errorf("child %s of %s is not a resource", name, b.OID)
	}
	// The security chain and upward navigation hang off the runtime
	// parent pointer; storage only holds the parent oid.
	res.SetParent(b.self())
	return res, nil
}

// self returns the outermost resource embedding this Base, when known.
// Registration records it; a bare Base stands for itself.
func (b *Base) self() Resource {
	if b.outer != nil {
		return b.outer
	}
	return b
}

// Root is the top object of one database. Traversable but not a
// container: containers are its children.
type Root struct {
	Base
}

// Markers implements Resource.
func (r *Root) Markers() []string {
	return []string{MarkerRoot, MarkerTraversable, MarkerResource}
}

// Folder is a named collection of children inside a container.
type Folder struct {
	Base
}

// Markers implements Resource.
func (f *Folder) Markers() []string {
	return []string{MarkerFolder, MarkerTraversable, MarkerResource}
}

// Item is a leaf resource without children.
type Item struct {
	Base
}

// Markers implements Resource.
func (i *Item) Markers() []string { return []string{MarkerResource} }

// Annotation is attached "of" an owner object rather than parented.
type Annotation struct {
	Base
}

// Markers implements Resource.
func (a *Annotation) Markers() []string {
	return []string{MarkerAnnotation, MarkerResource}
}

// NewAnnotation mints an annotation owned by ownerOID.
func NewAnnotation(name, ownerOID string) *Annotation {
	a := &Annotation{Base: NewBase("Annotation", name)}
	a.OfID = ownerOID
	return a
}

// Registry is the configuration registry a container binds for the
// requests traversing into it.
type Registry struct {
	// ActiveLayers are feature-toggle layer ids applied to the request.
	ActiveLayers []string `msgpack:"layers" json:"layers"`
	// Addons installed on this container.
	Addons []string `msgpack:"addons" json:"addons"`
	// Settings holds arbitrary per-container configuration.
	Settings map[string]any `msgpack:"settings" json:"settings"`
}

// Container is a top-level tenant boundary: it may hold named children
// and binds a configuration registry when traversed into.
type Container struct {
	Base
	Registry Registry
}

// Markers implements Resource.
func (c *Container) Markers() []string {
	return []string{MarkerContainer, MarkerFolder, MarkerTraversable, MarkerResource}
}

// IsTraversable reports whether res can be walked through.
func IsTraversable(res Resource) bool {
	return hasMarker(res, MarkerTraversable) || hasMarker(res, MarkerApplication)
}

// IsContainer reports whether res binds a registry on traversal.
func IsContainer(res Resource) bool { return hasMarker(res, MarkerContainer) }

func hasMarker(res Resource, marker string) bool {
	for _, m := range res.Markers() {
		if m == marker {
			return true
		}
	}
	return false
}
