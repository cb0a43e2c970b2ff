package content

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shamaton/msgpack/v2"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/security"
)

// The codec turns live resources into storage records and back. State
// blobs carry a self-describing envelope so cache entries (which drop
// the record's type column) stay decodable.

type envelope struct {
	Type  string         `msgpack:"type"`
	Of    string         `msgpack:"of"`
	Data  map[string]any `msgpack:"data"`
	ACL   *security.ACL  `msgpack:"acl"`
	Extra map[string]any `msgpack:"extra"`
}

// extraSaver and extraLoader let concrete types persist fields beyond
// Base, such as a container's registry.
type extraSaver interface {
	SaveExtra() map[string]any
}

type extraLoader interface {
	LoadExtra(extra map[string]any)
}

var (
	typesMu sync.RWMutex
	types   = map[string]func() Resource{}
)

// RegisterType binds a type name to its constructor. Duplicate
// registration panics: it is a wiring bug, not a runtime condition.
func RegisterType(name string, f func() Resource) {
	typesMu.Lock()
	defer typesMu.Unlock()
	if _, dup := types[name]; dup {
		panic(fmt.Sprintf("content type %q registered twice", name))
	}
	types[name] = f
}

// RegisteredTypes lists the known type names, sorted.
func RegisteredTypes() []string {
	typesMu.RLock()
	defer typesMu.RUnlock()
	names := make([]string, 0, len(types))
	for n := range types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New constructs an empty resource of the named type.
func New(typeName string) (Resource, error) {
	typesMu.RLock()
	f := types[typeName]
	typesMu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("unknown content type %q", typeName)
	}
	return f(), nil
}

func init() {
	RegisterType("Root", func() Resource { return &Root{} })
	RegisterType("Folder", func() Resource { return &Folder{} })
	RegisterType("Item", func() Resource { return &Item{} })
	RegisterType("Container", func() Resource { return &Container{} })
	RegisterType("Annotation", func() Resource { return &Annotation{} })
}

// Codec returns the db.Codec for the registered content types.
func Codec() db.Codec {
	return db.Codec{Encode: encode, Decode: decode}
}

func encode(ob db.Object) (db.Record, error) {
	res, ok := ob.(Resource)
	if !ok {
		return db.Record{}, fmt.Errorf("cannot encode %T", ob)
	}
	env := envelope{Type: res.TypeName(), Of: res.AnnotationOf()}
	if b := base(res); b != nil {
		env.Data = b.Data
		env.ACL = b.Security
	}
	if s, ok := res.(extraSaver); ok {
		env.Extra = s.SaveExtra()
	}
	state, err := msgpack.Marshal(&env)
	if err != nil {
		return db.Record{}, fmt.Errorf("encode %s: %w", res.UUID(), err)
	}
	return db.Record{
		OID:    res.UUID(),
		TID:    res.LastCommitted(),
		Name:   res.Name(),
		Parent: res.ParentUUID(),
		Of:     res.AnnotationOf(),
		Type:   res.TypeName(),
		State:  state,
	}, nil
}

func decode(rec db.Record) (db.Object, error) {
	var env envelope
	// Bootstrap records carry no state blob; the type column alone
	// reconstructs them.
	if len(rec.State) > 0 {
		if err := msgpack.Unmarshal(rec.State, &env); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rec.OID, err)
		}
	}
	typeName := rec.Type
	if typeName == "" {
		typeName = env.Type
	}
	res, err := New(typeName)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.OID, err)
	}
	res.SetUUID(rec.OID)
	res.SetLastCommitted(rec.TID)
	res.SetName(rec.Name)
	res.SetParentUUID(rec.Parent)
	if b := base(res); b != nil {
		b.Type = typeName
		b.OfID = env.Of
		b.Data = env.Data
		b.Security = env.ACL
		b.outer = res
	}
	if l, ok := res.(extraLoader); ok && env.Extra != nil {
		l.LoadExtra(env.Extra)
	}
	return res, nil
}

// base unwraps the embedded Base from any persistent resource.
// Runtime-only nodes (Application, Database) have none.
func base(res Resource) *Base {
	if p, ok := res.(interface{ ContentBase() *Base }); ok {
		return p.ContentBase()
	}
	return nil
}

// SaveExtra implements extraSaver for Container.
func (c *Container) SaveExtra() map[string]any {
	return map[string]any{
		"layers":   c.Registry.ActiveLayers,
		"addons":   c.Registry.Addons,
		"settings": c.Registry.Settings,
	}
}

// LoadExtra implements extraLoader for Container.
func (c *Container) LoadExtra(extra map[string]any) {
	c.Registry.ActiveLayers = toStrings(extra["layers"])
	c.Registry.Addons = toStrings(extra["addons"])
	if m, ok := extra["settings"].(map[string]any); ok {
		c.Registry.Settings = m
	}
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
