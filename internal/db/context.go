package db

import (
	"context"
	"sync"
)

// Execution-context bindings. Each in-flight request installs one
// requestState; the transaction, manager and user id bound during
// traversal are visible to every call sharing that context. Never a
// process-wide global: concurrent requests each see their own state.

type ctxKey int

const stateKey ctxKey = 0

type requestState struct {
	mu     sync.Mutex
	txn    *Transaction
	mgr    *Manager
	userID string
}

// WithRequestState installs a fresh transaction binding scope. Call
// once per logical request before any Begin.
func WithRequestState(ctx context.Context) context.Context {
	return context.WithValue(ctx, stateKey, &requestState{})
}

func getState(ctx context.Context) *requestState {
	s, _ := ctx.Value(stateKey).(*requestState)
	return s
}

// CurrentTransaction returns the transaction bound to ctx, or nil.
func CurrentTransaction(ctx context.Context) *Transaction {
	if s := getState(ctx); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.txn
	}
	return nil
}

func bindTransaction(ctx context.Context, txn *Transaction) {
	if s := getState(ctx); s != nil {
		s.mu.Lock()
		s.txn = txn
		s.mu.Unlock()
	}
}

// CurrentManager returns the transaction manager bound to ctx, or nil.
func CurrentManager(ctx context.Context) *Manager {
	if s := getState(ctx); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.mgr
	}
	return nil
}

// BindManager binds mgr into the execution context.
func BindManager(ctx context.Context, mgr *Manager) {
	if s := getState(ctx); s != nil {
		s.mu.Lock()
		s.mgr = mgr
		s.mu.Unlock()
	}
}

// SetUser attaches the authenticated user id to the execution context.
// Begin picks it up best-effort; absence is not an error.
func SetUser(ctx context.Context, userID string) {
	if s := getState(ctx); s != nil {
		s.mu.Lock()
		s.userID = userID
		s.mu.Unlock()
	}
}

// CurrentUser returns the user id attached to ctx, or "".
func CurrentUser(ctx context.Context) string {
	if s := getState(ctx); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.userID
	}
	return ""
}
