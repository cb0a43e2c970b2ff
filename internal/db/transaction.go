package db

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shamaton/msgpack/v2"
	"github.com/tessella/tessella/internal/db/cache"
)

// txnAttacher lets registered objects keep a backreference to the
// transaction that loaded them, so they can lazy-load children.
type txnAttacher interface {
	AttachTxn(txn *Transaction)
}

// Transaction is one unit of work against storage. It owns a checked
// out connection while active, a register of objects it has loaded,
// and the sets of objects it will flush at commit. A transaction runs
// on one logical request; its methods are not safe for concurrent use
// except the counters.
//
// Invariant: conn is non-nil only while the status is ACTIVE. After
// commit, abort or conflict the manager has nilled it out.
type Transaction struct {
	manager  *Manager
	storage  Storage
	codec    Codec
	conn     Conn
	status   Status
	readOnly bool
	user     string

	register map[string]Object
	added    map[string]Object
	modified map[string]Object
	deleted  map[string]Object

	cache      *cache.Scoped
	cacheStats cache.Stats
	queries    atomic.Int64
	queryEnd   int64
}

func newTransaction(m *Manager, readOnly bool) *Transaction {
	t := &Transaction{
		manager:  m,
		storage:  m.storage,
		codec:    m.codec,
		status:   StatusActive,
		readOnly: readOnly,
	}
	t.cache = cache.NewScoped(m.DBID(), m.cacheStore, &t.cacheStats, m.CacheTotals())
	t.clear()
	return t
}

// Reset re-initializes a terminal transaction for reuse as a fresh
// ACTIVE one. Identity of the manager-owned counters is preserved;
// only the per-transaction ones restart.
func (t *Transaction) Reset(readOnly bool) {
	t.status = StatusActive
	t.readOnly = readOnly
	t.user = ""
	t.queries.Store(0)
	t.queryEnd = 0
	t.cacheStats.Reset()
	t.clear()
}

func (t *Transaction) clear() {
	t.register = map[string]Object{}
	t.added = map[string]Object{}
	t.modified = map[string]Object{}
	t.deleted = map[string]Object{}
}

// Status returns the lifecycle state.
func (t *Transaction) Status() Status { return t.status }

// Conn returns the storage connection, nil unless active.
func (t *Transaction) Conn() Conn { return t.conn }

// ReadOnly reports whether writes are refused.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

// User returns the identity attached at begin, "" when anonymous.
func (t *Transaction) User() string { return t.user }

// Manager returns the owning transaction manager.
func (t *Transaction) Manager() *Manager { return t.manager }

// Cache returns the transaction-scoped cache handle.
func (t *Transaction) Cache() *cache.Scoped { return t.cache }

// QueryCount returns the number of storage operations issued so far.
func (t *Transaction) QueryCount() int64 { return t.queries.Load() }

// SettledQueryCount returns the query count captured when the
// connection was released, falling back to the live counter while the
// transaction is still active.
func (t *Transaction) SettledQueryCount() int64 {
	if t.queryEnd > 0 {
		return t.queryEnd
	}
	return t.queries.Load()
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn[%s ro=%t]", t.status, t.readOnly)
}

func (t *Transaction) trackLoaded(ob Object) {
	t.register[ob.UUID()] = ob
	if a, ok := ob.(txnAttacher); ok {
		a.AttachTxn(t)
	}
}

// Get returns the object oid, from the in-transaction register if it
// was already loaded or mutated here, else from cache or storage.
func (t *Transaction) Get(ctx context.Context, oid string) (Object, error) {
	if _, ok := t.deleted[oid]; ok {
		return nil, fmt.Errorf("%w: %s deleted in transaction", ErrNotFound, oid)
	}
	if ob, ok := t.register[oid]; ok {
		return ob, nil
	}

	if e, ok, err := t.cache.Get(ctx, cache.KeyParts{OID: oid}); err == nil && ok {
		ob, derr := t.codec.Decode(Record{OID: e.OID, TID: e.TID, Name: e.Name, State: e.State})
		if derr == nil {
			t.trackLoaded(ob)
			return ob, nil
		}
		// Undecodable entry: fall through to storage and overwrite it.
	}

	rec, err := t.load(ctx, oid)
	if err != nil {
		return nil, err
	}
	if err := t.cache.Set(ctx, cache.KeyParts{OID: oid}, entryFor(rec)); err != nil {
		return nil, err
	}
	ob, err := t.codec.Decode(rec)
	if err != nil {
		return nil, err
	}
	t.trackLoaded(ob)
	return ob, nil
}

func (t *Transaction) load(ctx context.Context, oid string) (Record, error) {
	t.queries.Add(1)
	return t.storage.Load(ctx, t.conn, oid)
}

// GetChild resolves the child of parent named name, through the
// container+name cache entry.
func (t *Transaction) GetChild(ctx context.Context, parent Object, name string) (Object, error) {
	parts := cache.KeyParts{Container: parent.UUID(), Name: name}
	if e, ok, err := t.cache.Get(ctx, parts); err == nil && ok {
		if _, gone := t.deleted[e.OID]; gone {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, parent.UUID(), name)
		}
		if ob, ok := t.register[e.OID]; ok {
			return ob, nil
		}
		ob, derr := t.codec.Decode(Record{OID: e.OID, TID: e.TID, Name: e.Name, State: e.State})
		if derr == nil {
			t.trackLoaded(ob)
			return ob, nil
		}
	}

	t.queries.Add(1)
	rec, err := t.storage.GetChild(ctx, t.conn, parent.UUID(), name)
	if err != nil {
		return nil, err
	}
	if ob, ok := t.register[rec.OID]; ok {
		return ob, nil
	}
	if err := t.cache.Set(ctx, parts, entryFor(rec)); err != nil {
		return nil, err
	}
	ob, err := t.codec.Decode(rec)
	if err != nil {
		return nil, err
	}
	t.trackLoaded(ob)
	return ob, nil
}

// Len returns the number of children of oid, via the len variant key.
func (t *Transaction) Len(ctx context.Context, oid string) (int, error) {
	parts := cache.KeyParts{Container: oid, Variant: cache.VariantLen}
	if e, ok, err := t.cache.Get(ctx, parts); err == nil && ok {
		var n int
		if merr := msgpack.Unmarshal(e.State, &n); merr == nil {
			return n, nil
		}
	}
	t.queries.Add(1)
	n, err := t.storage.Len(ctx, t.conn, oid)
	if err != nil {
		return 0, err
	}
	if raw, err := msgpack.Marshal(n); err == nil {
		_ = t.cache.Set(ctx, parts, cache.Entry{State: raw, OID: oid})
	}
	return n, nil
}

// Keys returns the child names of oid, via the keys variant key.
func (t *Transaction) Keys(ctx context.Context, oid string) ([]string, error) {
	parts := cache.KeyParts{Container: oid, Variant: cache.VariantKeys}
	if e, ok, err := t.cache.Get(ctx, parts); err == nil && ok {
		var names []string
		if merr := msgpack.Unmarshal(e.State, &names); merr == nil {
			return names, nil
		}
	}
	t.queries.Add(1)
	names, err := t.storage.Keys(ctx, t.conn, oid)
	if err != nil {
		return nil, err
	}
	if raw, err := msgpack.Marshal(names); err == nil {
		_ = t.cache.Set(ctx, parts, cache.Entry{State: raw, OID: oid})
	}
	return names, nil
}

// RegisterAdded queues ob for insertion at commit.
func (t *Transaction) RegisterAdded(ob Object) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.added[ob.UUID()] = ob
	t.trackLoaded(ob)
	return nil
}

// RegisterModified queues ob for update at commit.
func (t *Transaction) RegisterModified(ob Object) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, isNew := t.added[ob.UUID()]; !isNew {
		t.modified[ob.UUID()] = ob
	}
	t.trackLoaded(ob)
	return nil
}

// RegisterDeleted queues ob for deletion at commit.
func (t *Transaction) RegisterDeleted(ob Object) error {
	if t.readOnly {
		return ErrReadOnly
	}
	oid := ob.UUID()
	if _, isNew := t.added[oid]; isNew {
		delete(t.added, oid)
		delete(t.register, oid)
		return nil
	}
	delete(t.modified, oid)
	t.deleted[oid] = ob
	return nil
}

// Commit flushes the modified/added/deleted sets to storage. On an
// optimistic-concurrency conflict it transitions to CONFLICT and
// returns ErrConflict with nothing applied. On success the register
// becomes immutable history and the status is COMMITTED.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.status != StatusActive {
		return fmt.Errorf("commit on %s transaction", t.status)
	}
	if t.readOnly && (len(t.added)+len(t.modified)+len(t.deleted)) > 0 {
		return ErrReadOnly
	}

	var writes []Write
	var keys []string
	for _, ob := range t.added {
		rec, err := t.codec.Encode(ob)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ob.UUID(), err)
		}
		writes = append(writes, Write{Record: rec, Added: true})
		keys = append(keys, InvalidationKeys(t.cache, ob, MutationAdded)...)
	}
	for _, ob := range t.modified {
		rec, err := t.codec.Encode(ob)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ob.UUID(), err)
		}
		writes = append(writes, Write{Record: rec})
		keys = append(keys, InvalidationKeys(t.cache, ob, MutationModified)...)
	}
	for _, ob := range t.deleted {
		writes = append(writes, Write{
			Record:  Record{OID: ob.UUID(), TID: ob.LastCommitted(), Name: ob.Name(), Parent: ob.ParentUUID(), Of: ob.AnnotationOf()},
			Deleted: true,
		})
		keys = append(keys, InvalidationKeys(t.cache, ob, MutationDeleted)...)
	}

	if len(writes) > 0 || !t.readOnly {
		t.queries.Add(int64(len(writes)) + 1)
		tid, err := t.storage.Commit(ctx, t.conn, writes)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				t.status = StatusConflict
				return fmt.Errorf("commit: %w", ErrConflict)
			}
			// Anything failing after storage acknowledged is a fatal
			// inconsistency; propagate as-is.
			return err
		}
		for _, ob := range t.added {
			ob.SetLastCommitted(tid)
		}
		for _, ob := range t.modified {
			ob.SetLastCommitted(tid)
		}
	}

	t.cache.DeleteAll(ctx, keys)
	t.status = StatusCommitted
	return nil
}

// Abort discards the register without touching storage. Calling it on
// an already closed transaction is a no-op.
func (t *Transaction) Abort(ctx context.Context) {
	if t.status != StatusActive {
		return
	}
	if t.conn != nil {
		if err := t.storage.Abort(ctx, t.conn); err != nil {
			// Abort is best-effort cleanup; log-and-go is handled by
			// the manager, here we only guarantee state consistency.
			_ = err
		}
	}
	t.clear()
	t.status = StatusAborted
}

func entryFor(rec Record) cache.Entry {
	return cache.Entry{State: rec.State, OID: rec.OID, TID: rec.TID, Name: rec.Name}
}
