// Package db implements the transaction layer: units of work against a
// Storage backend, the per-database transaction manager, and the
// object cache feeding both.
package db

import (
	"context"
	"errors"
)

// RootID is the reserved id of the root object; it is resolvable in
// every database.
const RootID = "00000000-0000-0000-0000-000000000000"

// Storage and transaction errors.
var (
	// ErrConflict reports an optimistic-concurrency violation detected
	// at commit: another transaction committed the same object first.
	// Expected and retriable; the retry layer sits above the router.
	ErrConflict = errors.New("transaction conflict")
	// ErrNotFound reports a missing object or child.
	ErrNotFound = errors.New("object not found")
	// ErrTransactionNotFound reports that no transaction is bound to
	// the execution context and none was supplied.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrReadOnly reports a write attempted through a read-only
	// transaction.
	ErrReadOnly = errors.New("transaction is read only")
	// ErrInvalidConnection reports a connection invalidated underneath
	// us, typically by pool churn. Close tolerates it.
	ErrInvalidConnection = errors.New("invalid connection")
	// ErrConnReleased reports a connection already returned to the
	// pool. Terminate tolerates it.
	ErrConnReleased = errors.New("connection already released")
)

// Status is the lifecycle state of a Transaction.
type Status int

const (
	// StatusActive: begun, connection held.
	StatusActive Status = iota
	// StatusCommitted: flushed to storage.
	StatusCommitted
	// StatusAborted: register discarded, storage untouched.
	StatusAborted
	// StatusConflict: commit failed on a concurrent write.
	StatusConflict
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	case StatusConflict:
		return "CONFLICT"
	}
	return "UNKNOWN"
}

// Terminal reports whether the transaction is finished and its slot can
// be reused by the manager.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted || s == StatusConflict
}

// Record is the serialized form of one object as storage holds it. TID
// is the transaction id that last committed the record; a transaction
// submitting a write carries the TID it loaded as its conflict
// expectation.
type Record struct {
	OID    string `msgpack:"oid"`
	TID    uint64 `msgpack:"tid"`
	Name   string `msgpack:"name"`
	Parent string `msgpack:"parent"`
	Of     string `msgpack:"of"`
	Type   string `msgpack:"type"`
	State  []byte `msgpack:"state"`
}

// Object is the slice of a persistent object the transaction layer
// needs. The content package provides the concrete types.
type Object interface {
	UUID() string
	// LastCommitted is the tid of the transaction that last committed
	// this object (the serial).
	LastCommitted() uint64
	SetLastCommitted(tid uint64)
	Name() string
	ParentUUID() string
	// AnnotationOf is the uuid of the owner when this object is
	// attached "of" another object rather than parented; empty
	// otherwise.
	AnnotationOf() string
	TypeName() string
}

// Codec converts between live objects and storage records. Injected so
// this package never depends on concrete content types.
type Codec struct {
	Encode func(ob Object) (Record, error)
	Decode func(rec Record) (Object, error)
}

// Conn is an opaque storage connection, checked out exclusively by one
// transaction while it is active.
type Conn any

// Write is one pending mutation submitted at commit.
type Write struct {
	Record  Record
	Added   bool
	Deleted bool
}

// Storage is the durable backend contract. Implementations must detect
// write-write conflicts in Commit by comparing each Write's Record.TID
// against the stored tid and fail the whole batch with ErrConflict on
// any mismatch, applying nothing.
type Storage interface {
	// Open checks a connection out of the pool.
	Open(ctx context.Context) (Conn, error)
	// Close returns conn to the pool. ErrInvalidConnection when the
	// pool invalidated it already.
	Close(ctx context.Context, conn Conn) error
	// Terminate force-closes conn when graceful close failed.
	Terminate(ctx context.Context, conn Conn) error

	// StartTransaction opens an eager backend-level transaction so
	// subsequent reads run inside a real transactional boundary.
	StartTransaction(ctx context.Context, conn Conn) error

	Load(ctx context.Context, conn Conn, oid string) (Record, error)
	GetChild(ctx context.Context, conn Conn, parent, name string) (Record, error)
	Len(ctx context.Context, conn Conn, oid string) (int, error)
	Keys(ctx context.Context, conn Conn, oid string) ([]string, error)

	// Commit atomically applies writes and returns the new tid.
	Commit(ctx context.Context, conn Conn, writes []Write) (uint64, error)
	// Abort discards the backend-level transaction, if any.
	Abort(ctx context.Context, conn Conn) error
}
