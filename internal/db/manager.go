package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tessella/tessella/internal/db/cache"
)

// Manager owns the storage handle for one database and creates or
// reuses Transaction instances scoped to the current execution
// context. The begin-or-reuse decision is serialized by a manager-held
// lock so two concurrent callers cannot both claim the same terminal
// transaction slot.
type Manager struct {
	storage    Storage
	codec      Codec
	dbID       string
	cacheStore cache.Store

	mu          sync.Mutex
	cacheTotals cache.Stats
}

// NewManager builds a manager for storage serving database dbID.
// cacheStore may be nil, which disables caching.
func NewManager(storage Storage, codec Codec, dbID string, cacheStore cache.Store) *Manager {
	if cacheStore == nil {
		cacheStore = nopStore{}
	}
	return &Manager{storage: storage, codec: codec, dbID: dbID, cacheStore: cacheStore}
}

// Storage returns the managed storage handle.
func (m *Manager) Storage() Storage { return m.storage }

// DBID returns the database id used to scope cache keys.
func (m *Manager) DBID() string {
	if m.dbID == "" {
		return "root"
	}
	return m.dbID
}

// CacheTotals returns the manager-owned cumulative cache counters.
// They survive transaction reuse; per-transaction counters do not.
func (m *Manager) CacheTotals() *cache.Stats { return &m.cacheTotals }

// Begin starts a transaction. If the execution context already holds a
// transaction of this manager and storage in a terminal state, that
// instance is reused (re-initialized) instead of allocated, avoiding
// connection churn per request. The chosen transaction is bound into
// the execution context, picks up the authenticated user best-effort,
// and unless lazy or readOnly an eager backend-level transaction is
// opened so subsequent reads are already inside a real transactional
// boundary.
func (m *Manager) Begin(ctx context.Context, readOnly, lazy bool) (*Transaction, error) {
	m.mu.Lock()
	txn := CurrentTransaction(ctx)
	if txn != nil && txn.manager == m && txn.storage == m.storage && txn.status.Terminal() {
		slog.DebugContext(ctx, "Reusing txn", "txn", txn.String())
		txn.Reset(readOnly)
		if txn.conn != nil {
			// A terminal transaction should never still hold a
			// connection; close the spurious one rather than leak it.
			slog.WarnContext(ctx, "Closing spurious connection on reused txn")
			m.closeTxn(ctx, txn)
		}
	} else {
		txn = newTransaction(m, readOnly)
		slog.DebugContext(ctx, "Initializing new txn", "txn", txn.String())
	}
	m.mu.Unlock()

	// Absence of an authenticated context is not an error here.
	txn.user = CurrentUser(ctx)

	conn, err := m.storage.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	txn.conn = conn
	txn.status = StatusActive

	bindTransaction(ctx, txn)

	if !lazy && !readOnly {
		if err := m.storage.StartTransaction(ctx, txn.conn); err != nil {
			m.closeTxn(ctx, txn)
			txn.status = StatusAborted
			return nil, fmt.Errorf("begin: %w", err)
		}
	}
	return txn, nil
}

// Commit commits txn, or the context's transaction when txn is nil.
// The connection is closed on every path — success, conflict or
// failure. A conflict propagates to the caller after cleanup; it is an
// expected, retriable condition.
func (m *Manager) Commit(ctx context.Context, txn *Transaction) error {
	if txn == nil {
		txn = CurrentTransaction(ctx)
	}
	if txn == nil {
		return nil
	}
	defer m.closeTxn(ctx, txn)
	if err := txn.Commit(ctx); err != nil {
		if !errors.Is(err, ErrConflict) {
			slog.ErrorContext(ctx, "Commit failed", "txn", txn.String(), "err", err)
		}
		return err
	}
	return nil
}

// Abort aborts txn, or the context's transaction when txn is nil, then
// closes the connection. Abort is best-effort cleanup: a cancellation
// arriving while it runs is swallowed so the connection-release step
// still executes. This asymmetry with Commit is deliberate.
func (m *Manager) Abort(ctx context.Context, txn *Transaction) {
	ctx = context.WithoutCancel(ctx)
	if txn == nil {
		txn = CurrentTransaction(ctx)
	}
	if txn == nil {
		return
	}
	defer m.closeTxn(ctx, txn)
	txn.Abort(ctx)
}

// GetRoot fetches the well-known root object through txn, or the
// context's transaction. ErrTransactionNotFound when neither exists.
func (m *Manager) GetRoot(ctx context.Context, txn *Transaction) (Object, error) {
	if txn == nil {
		txn = CurrentTransaction(ctx)
		if txn == nil {
			return nil, ErrTransactionNotFound
		}
	}
	return txn.Get(ctx, RootID)
}

// closeTxn releases the transaction's connection. The most delicate
// routine in the package: it tolerates a connection the pool already
// invalidated, falls back to a forced terminate when graceful close
// fails, and unconditionally nils out the connection reference in a
// final step so no later code path can reuse a dead connection — even
// when every preceding step failed. Connection-release failures are
// logged, never allowed to mask the error that triggered the close.
func (m *Manager) closeTxn(ctx context.Context, txn *Transaction) {
	if txn == nil || txn.conn == nil {
		return
	}
	txn.queryEnd = txn.queries.Load()
	defer func() {
		txn.conn = nil
	}()
	if err := m.storage.Close(ctx, txn.conn); err != nil {
		if errors.Is(err, ErrInvalidConnection) {
			// Pool churn invalidated it; nothing left to release.
			return
		}
		slog.ErrorContext(ctx, "Closing connection failed, terminating", "txn", txn.String(), "err", err)
		if terr := m.storage.Terminate(ctx, txn.conn); terr != nil && !errors.Is(terr, ErrConnReleased) {
			slog.ErrorContext(ctx, "Terminating connection failed", "txn", txn.String(), "err", terr)
		}
	}
}

type nopStore struct{}

func (nopStore) Get(context.Context, string) (*cache.Entry, error)  { return nil, nil }
func (nopStore) Set(context.Context, string, cache.Entry) error     { return nil }
func (nopStore) Delete(context.Context, string) error               { return nil }
func (nopStore) DeleteAll(context.Context, []string) error          { return nil }
func (nopStore) Clear(context.Context) error                        { return nil }
func (nopStore) Close(context.Context) error                        { return nil }
