// Package memory implements db.Storage in process memory, with
// per-object tid checks for optimistic concurrency. It backs tests and
// the default development mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tessella/tessella/internal/db"
)

// Conn is one checked-out connection. The pool is simulated: each Open
// allocates a Conn, each Close/Terminate releases it exactly once, and
// the counters expose both sides so tests can assert guaranteed
// release.
type Conn struct {
	id       int64
	mu       sync.Mutex
	released bool
	invalid  bool
}

// Invalidate marks the connection as churned out of the pool, so the
// next Close reports db.ErrInvalidConnection. Test hook.
func (c *Conn) Invalidate() {
	c.mu.Lock()
	c.invalid = true
	c.mu.Unlock()
}

// Storage is the in-memory backend.
type Storage struct {
	mu          sync.RWMutex
	records     map[string]db.Record
	children    map[string]map[string]string // parent oid -> name -> child oid
	annotations map[string]map[string]string // owner oid -> name -> annotation oid
	tid         uint64

	connMu     sync.Mutex
	nextConn   int64
	opened     int64
	released   int64
	terminated int64

	// CommitHook, when set, runs inside Commit before writes are
	// applied. Test hook for injecting conflicts and failures.
	CommitHook func(writes []db.Write) error
	// LoadHook, when set, runs before each Load. Test hook for
	// injecting read failures.
	LoadHook func(oid string) error
}

// New returns an empty storage with a root object already present.
func New() *Storage {
	s := &Storage{
		records:     map[string]db.Record{},
		children:    map[string]map[string]string{},
		annotations: map[string]map[string]string{},
		tid:         1,
	}
	s.records[db.RootID] = db.Record{OID: db.RootID, TID: 1, Type: "Root"}
	return s
}

// Opened returns how many connections were checked out.
func (s *Storage) Opened() int64 {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.opened
}

// Released returns how many connections were returned or terminated.
func (s *Storage) Released() int64 {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.released + s.terminated
}

// Open implements db.Storage.
func (s *Storage) Open(ctx context.Context) (db.Conn, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.nextConn++
	s.opened++
	return &Conn{id: s.nextConn}, nil
}

func (s *Storage) conn(c db.Conn) (*Conn, error) {
	mc, ok := c.(*Conn)
	if !ok || mc == nil {
		return nil, fmt.Errorf("%w: foreign connection", db.ErrInvalidConnection)
	}
	return mc, nil
}

// Close implements db.Storage.
func (s *Storage) Close(ctx context.Context, c db.Conn) error {
	mc, err := s.conn(c)
	if err != nil {
		return err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.invalid {
		return db.ErrInvalidConnection
	}
	if mc.released {
		return db.ErrConnReleased
	}
	mc.released = true
	s.connMu.Lock()
	s.released++
	s.connMu.Unlock()
	return nil
}

// Terminate implements db.Storage.
func (s *Storage) Terminate(ctx context.Context, c db.Conn) error {
	mc, err := s.conn(c)
	if err != nil {
		return err
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.released {
		return db.ErrConnReleased
	}
	mc.released = true
	s.connMu.Lock()
	s.terminated++
	s.connMu.Unlock()
	return nil
}

// StartTransaction implements db.Storage. The memory backend has no
// transactional boundary to open eagerly.
func (s *Storage) StartTransaction(ctx context.Context, c db.Conn) error {
	_, err := s.conn(c)
	return err
}

// Load implements db.Storage.
func (s *Storage) Load(ctx context.Context, c db.Conn, oid string) (db.Record, error) {
	if s.LoadHook != nil {
		if err := s.LoadHook(oid); err != nil {
			return db.Record{}, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[oid]
	if !ok {
		return db.Record{}, fmt.Errorf("%w: %s", db.ErrNotFound, oid)
	}
	return rec, nil
}

// GetChild implements db.Storage. Parented children and annotations
// share the lookup: an annotation is addressed by its owner.
func (s *Storage) GetChild(ctx context.Context, c db.Conn, parent, name string) (db.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	oid, ok := s.children[parent][name]
	if !ok {
		oid, ok = s.annotations[parent][name]
	}
	if !ok {
		return db.Record{}, fmt.Errorf("%w: %s/%s", db.ErrNotFound, parent, name)
	}
	return s.records[oid], nil
}

// Len implements db.Storage.
func (s *Storage) Len(ctx context.Context, c db.Conn, oid string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.children[oid]), nil
}

// Keys implements db.Storage.
func (s *Storage) Keys(ctx context.Context, c db.Conn, oid string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.children[oid]))
	for name := range s.children[oid] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Commit implements db.Storage. The whole batch is checked before
// anything is applied: on any tid mismatch it fails with db.ErrConflict
// and no partial writes.
func (s *Storage) Commit(ctx context.Context, c db.Conn, writes []db.Write) (uint64, error) {
	if _, err := s.conn(c); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CommitHook != nil {
		if err := s.CommitHook(writes); err != nil {
			return 0, err
		}
	}

	for _, w := range writes {
		existing, exists := s.records[w.Record.OID]
		if w.Added {
			if exists {
				return 0, fmt.Errorf("%w: %s already exists", db.ErrConflict, w.Record.OID)
			}
			continue
		}
		if !exists {
			if w.Deleted {
				continue
			}
			return 0, fmt.Errorf("%w: %s vanished", db.ErrConflict, w.Record.OID)
		}
		if existing.TID != w.Record.TID {
			return 0, fmt.Errorf("%w: %s tid %d != %d", db.ErrConflict, w.Record.OID, existing.TID, w.Record.TID)
		}
	}

	s.tid++
	tid := s.tid
	for _, w := range writes {
		rec := w.Record
		if w.Deleted {
			if old, ok := s.records[rec.OID]; ok {
				delete(s.records, rec.OID)
				if m := s.children[old.Parent]; m != nil {
					delete(m, old.Name)
				}
				if m := s.annotations[old.Of]; m != nil {
					delete(m, old.Name)
				}
			}
			delete(s.children, rec.OID)
			delete(s.annotations, rec.OID)
			continue
		}
		rec.TID = tid
		s.records[rec.OID] = rec
		s.index(rec)
	}
	return tid, nil
}

func (s *Storage) index(rec db.Record) {
	if rec.Of != "" {
		m := s.annotations[rec.Of]
		if m == nil {
			m = map[string]string{}
			s.annotations[rec.Of] = m
		}
		m[rec.Name] = rec.OID
		return
	}
	if rec.Parent != "" {
		m := s.children[rec.Parent]
		if m == nil {
			m = map[string]string{}
			s.children[rec.Parent] = m
		}
		m[rec.Name] = rec.OID
	}
}

// Abort implements db.Storage. Nothing buffered per connection.
func (s *Storage) Abort(ctx context.Context, c db.Conn) error {
	_, err := s.conn(c)
	return err
}

// Seed applies writes outside any transaction, for bootstrap and
// tests. Records keep the tid they carry, or get the next one.
func (s *Storage) Seed(recs ...db.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tid++
	for _, rec := range recs {
		if rec.TID == 0 {
			rec.TID = s.tid
		}
		s.records[rec.OID] = rec
		s.index(rec)
	}
}
