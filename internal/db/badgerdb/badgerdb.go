// Package badgerdb implements the storage contract on an embedded
// Badger key-value store.
//
// Layout:
//
//	o:<oid>           msgpack-encoded record
//	c:<parent>:<name> oid of a parented child
//	a:<owner>:<name>  oid of an annotation
//	m:tid             last allocated transaction id, big-endian
package badgerdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/shamaton/msgpack/v2"

	"github.com/tessella/tessella/internal/db"
)

const (
	objPrefix   = "o:"
	childPrefix = "c:"
	annPrefix   = "a:"
	tidKey      = "m:tid"
)

// Storage is a Badger-backed db.Storage. Commits serialize on a
// storage-wide lock; Badger's own transaction conflict detection is
// not used, the record tids are the source of truth.
type Storage struct {
	bdb *badger.DB

	commitMu sync.Mutex
	closed   bool
	mu       sync.Mutex
}

// Conn is one checked-out connection. Badger has no real connection
// pool; the type exists to honor the checkout/release lifecycle and
// surface release errors the same way a pooled backend would.
type Conn struct {
	mu       sync.Mutex
	txn      *badger.Txn
	released bool
	invalid  bool
}

// Open opens or creates the store at dir. An empty dir keeps the
// whole store in memory, for tests.
func Open(dir string) (*Storage, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &Storage{bdb: bdb}, nil
}

// Bootstrap writes rec as the database's seed object if the store is
// empty. Used to create the root on first start.
func (s *Storage) Bootstrap(rec db.Record) error {
	return s.bdb.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(objPrefix + rec.OID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if rec.TID == 0 {
			rec.TID = 1
		}
		raw, err := msgpack.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(objPrefix+rec.OID), raw); err != nil {
			return err
		}
		return bumpTID(txn, rec.TID)
	})
}

// Shutdown closes the underlying store.
func (s *Storage) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.bdb.Close()
}

// Open implements db.Storage.
func (s *Storage) Open(ctx context.Context) (db.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("storage is closed")
	}
	return &Conn{}, nil
}

// Close implements db.Storage.
func (s *Storage) Close(ctx context.Context, conn db.Conn) error {
	c, err := s.conn(conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalid {
		return db.ErrInvalidConnection
	}
	if c.released {
		return db.ErrConnReleased
	}
	c.discardLocked()
	c.released = true
	return nil
}

// Terminate implements db.Storage.
func (s *Storage) Terminate(ctx context.Context, conn db.Conn) error {
	c, err := s.conn(conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return db.ErrConnReleased
	}
	c.discardLocked()
	c.released = true
	return nil
}

// StartTransaction implements db.Storage: reads from this connection
// now run against one consistent snapshot.
func (s *Storage) StartTransaction(ctx context.Context, conn db.Conn) error {
	c, err := s.conn(conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.invalid {
		return db.ErrInvalidConnection
	}
	if c.txn == nil {
		c.txn = s.bdb.NewTransaction(false)
	}
	return nil
}

// Load implements db.Storage.
func (s *Storage) Load(ctx context.Context, conn db.Conn, oid string) (db.Record, error) {
	var rec db.Record
	err := s.view(conn, func(txn *badger.Txn) error {
		return loadRecord(txn, oid, &rec)
	})
	return rec, err
}

// GetChild implements db.Storage. Parented children and annotations
// share the lookup: an annotation is addressed by its owner.
func (s *Storage) GetChild(ctx context.Context, conn db.Conn, parent, name string) (db.Record, error) {
	var rec db.Record
	err := s.view(conn, func(txn *badger.Txn) error {
		oid, err := lookupIndex(txn, childPrefix+parent+":"+name)
		if errors.Is(err, db.ErrNotFound) {
			oid, err = lookupIndex(txn, annPrefix+parent+":"+name)
		}
		if err != nil {
			return err
		}
		return loadRecord(txn, oid, &rec)
	})
	return rec, err
}

// Len implements db.Storage.
func (s *Storage) Len(ctx context.Context, conn db.Conn, oid string) (int, error) {
	n := 0
	err := s.view(conn, func(txn *badger.Txn) error {
		return iterateChildren(txn, oid, func(string) error {
			n++
			return nil
		})
	})
	return n, err
}

// Keys implements db.Storage.
func (s *Storage) Keys(ctx context.Context, conn db.Conn, oid string) ([]string, error) {
	var names []string
	err := s.view(conn, func(txn *badger.Txn) error {
		return iterateChildren(txn, oid, func(name string) error {
			names = append(names, name)
			return nil
		})
	})
	return names, err
}

// Commit implements db.Storage. The whole batch is validated against
// the stored tids first; any mismatch fails everything with
// ErrConflict and applies nothing.
func (s *Storage) Commit(ctx context.Context, conn db.Conn, writes []db.Write) (uint64, error) {
	c, err := s.conn(conn)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.released || c.invalid {
		c.mu.Unlock()
		return 0, db.ErrInvalidConnection
	}
	c.discardLocked()
	c.mu.Unlock()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var newTID uint64
	err = s.bdb.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			var stored db.Record
			err := loadRecord(txn, w.Record.OID, &stored)
			switch {
			case w.Added:
				if err == nil {
					return fmt.Errorf("%w: object %s already exists", db.ErrConflict, w.Record.OID)
				}
				if !errors.Is(err, db.ErrNotFound) {
					return err
				}
			case errors.Is(err, db.ErrNotFound):
				if !w.Deleted {
					return fmt.Errorf("%w: object %s vanished", db.ErrConflict, w.Record.OID)
				}
			case err != nil:
				return err
			case stored.TID != w.Record.TID:
				return fmt.Errorf("%w: object %s is at tid %d, expected %d",
					db.ErrConflict, w.Record.OID, stored.TID, w.Record.TID)
			}
		}

		tid, err := nextTID(txn)
		if err != nil {
			return err
		}
		newTID = tid

		for _, w := range writes {
			if w.Deleted {
				if err := deleteRecord(txn, w.Record); err != nil {
					return err
				}
				continue
			}
			rec := w.Record
			rec.TID = tid
			if err := putRecord(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newTID, nil
}

// Abort implements db.Storage.
func (s *Storage) Abort(ctx context.Context, conn db.Conn) error {
	c, err := s.conn(conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardLocked()
	return nil
}

func (s *Storage) conn(conn db.Conn) (*Conn, error) {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return nil, db.ErrInvalidConnection
	}
	return c, nil
}

// view runs fn inside the connection's snapshot when one is open,
// otherwise in a throwaway read transaction.
func (s *Storage) view(conn db.Conn, fn func(*badger.Txn) error) error {
	c, err := s.conn(conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.released || c.invalid {
		c.mu.Unlock()
		return db.ErrInvalidConnection
	}
	txn := c.txn
	c.mu.Unlock()
	if txn != nil {
		return fn(txn)
	}
	return s.bdb.View(fn)
}

func (c *Conn) discardLocked() {
	if c.txn != nil {
		c.txn.Discard()
		c.txn = nil
	}
}

func loadRecord(txn *badger.Txn, oid string, into *db.Record) error {
	item, err := txn.Get([]byte(objPrefix + oid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", db.ErrNotFound, oid)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, into)
	})
}

func lookupIndex(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", db.ErrNotFound, key)
	}
	if err != nil {
		return "", err
	}
	var oid string
	err = item.Value(func(val []byte) error {
		oid = string(val)
		return nil
	})
	return oid, err
}

func iterateChildren(txn *badger.Txn, oid string, fn func(name string) error) error {
	prefix := []byte(childPrefix + oid + ":")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		name := string(bytes.TrimPrefix(it.Item().Key(), prefix))
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

func putRecord(txn *badger.Txn, rec db.Record) error {
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(objPrefix+rec.OID), raw); err != nil {
		return err
	}
	return txn.Set([]byte(indexKey(rec)), []byte(rec.OID))
}

func deleteRecord(txn *badger.Txn, rec db.Record) error {
	if err := txn.Delete([]byte(objPrefix + rec.OID)); err != nil {
		return err
	}
	return txn.Delete([]byte(indexKey(rec)))
}

// indexKey places annotations in the annotation index and everything
// else in the children index.
func indexKey(rec db.Record) string {
	if rec.Of != "" {
		return annPrefix + rec.Of + ":" + rec.Name
	}
	return childPrefix + rec.Parent + ":" + rec.Name
}

func nextTID(txn *badger.Txn) (uint64, error) {
	var tid uint64
	item, err := txn.Get([]byte(tidKey))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		tid = 1
	case err != nil:
		return 0, err
	default:
		err = item.Value(func(val []byte) error {
			tid = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	tid++
	return tid, bumpTID(txn, tid)
}

func bumpTID(txn *badger.Txn, tid uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], tid)
	return txn.Set([]byte(tidKey), buf[:])
}
