package db

import "github.com/tessella/tessella/internal/db/cache"

// Mutation classifies a write for cache-invalidation purposes.
type Mutation string

const (
	MutationModified Mutation = "modified"
	MutationAdded    Mutation = "added"
	MutationDeleted  Mutation = "deleted"
)

// InvalidationKeys returns the cache keys a mutation of ob must
// invalidate, in a deterministic order (consumers zip the sequence
// against values).
//
// Annotation objects (attached "of" an owner rather than parented)
// invalidate the same key set regardless of mutation type: their own
// key, the owner's annotation entry under the object's name, and the
// owner's annotation key list.
func InvalidationKeys(c *cache.Scoped, ob Object, m Mutation) []string {
	if of := ob.AnnotationOf(); of != "" {
		return []string{
			c.Key(cache.KeyParts{OID: ob.UUID()}),
			c.Key(cache.KeyParts{OID: of, Name: ob.Name(), Variant: cache.VariantAnnotation}),
			c.Key(cache.KeyParts{OID: of, Variant: cache.VariantAnnotationKeys}),
		}
	}
	parent := ob.ParentUUID()
	switch m {
	case MutationModified:
		return []string{
			c.Key(cache.KeyParts{OID: ob.UUID()}),
			c.Key(cache.KeyParts{Container: parent, Name: ob.Name()}),
		}
	case MutationAdded:
		return []string{
			c.Key(cache.KeyParts{Container: parent, Variant: cache.VariantLen}),
			c.Key(cache.KeyParts{Container: parent, Variant: cache.VariantKeys}),
		}
	case MutationDeleted:
		return []string{
			c.Key(cache.KeyParts{OID: ob.UUID()}),
			c.Key(cache.KeyParts{Container: parent, Name: ob.Name()}),
			c.Key(cache.KeyParts{Container: parent, Variant: cache.VariantLen}),
			c.Key(cache.KeyParts{Container: parent, Variant: cache.VariantKeys}),
		}
	}
	return nil
}
