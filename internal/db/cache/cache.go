// Package cache implements the object cache fronting durable storage.
//
// Keys follow the scheme "{db}-{oid}[/{name}][-{variant}]". The scheme
// is load-bearing: independent invalidation call sites recompute keys
// from object identity and must land on the same entries a writer
// produced. Freshness is the caller's responsibility: Get returns
// whatever was stored, and the caller compares Entry.TID against the
// tid it expects before trusting State.
package cache

import (
	"context"
	"sync/atomic"
)

// MaxEntrySize is the payload ceiling. Oversized entries are skipped,
// not stored; storing a truncated entry would corrupt cache semantics.
const MaxEntrySize = 1024 * 1024 * 5

// Variant keys distinguishing collection metadata from object state.
const (
	VariantLen            = "len"
	VariantKeys           = "keys"
	VariantAnnotation     = "annotation"
	VariantAnnotationKeys = "annotation-keys"
)

// Entry is one cached object record.
type Entry struct {
	State []byte `msgpack:"state"`
	OID   string `msgpack:"oid"`
	TID   uint64 `msgpack:"tid"`
	Name  string `msgpack:"name"`
}

// KeyParts identifies an entry. Either OID or Container is set, plus an
// optional child Name and Variant tag.
type KeyParts struct {
	OID       string
	Container string
	Name      string
	Variant   string
}

// BuildKey renders parts into the canonical cache key for database db.
func BuildKey(db string, p KeyParts) string {
	key := db + "-"
	if p.OID != "" {
		key += p.OID
	} else if p.Container != "" {
		key += p.Container
	}
	if p.Name != "" {
		key += "/" + p.Name
	}
	if p.Variant != "" {
		key += "-" + p.Variant
	}
	return key
}

// Store is a raw key-value backend. Get returns (nil, nil) on a miss;
// misses are not errors. Implementations must be safe for concurrent
// use.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	// DeleteAll is best-effort: failures are reported but partial
	// deletion must not leave the store inconsistent.
	DeleteAll(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}

// Stats tracks hit/miss/store counters. A Scoped cache increments two
// of these: its own (per transaction) and the totals owned by the
// transaction manager.
type Stats struct {
	hits   atomic.Int64
	misses atomic.Int64
	stored atomic.Int64
}

// Hits returns the hit count.
func (s *Stats) Hits() int64 { return s.hits.Load() }

// Misses returns the miss count.
func (s *Stats) Misses() int64 { return s.misses.Load() }

// Stored returns the store count.
func (s *Stats) Stored() int64 { return s.stored.Load() }

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.stored.Store(0)
}
