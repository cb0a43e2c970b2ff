// Package reqctx carries per-request state resolved during traversal:
// the matched database and container, the authenticated user, the
// security policy, applied layers and deferred work. One State is
// installed per request; concurrent requests never share one.
package reqctx

import (
	"context"
	"sync"
	"time"

	"github.com/tessella/tessella/internal/auth"
	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/security"
)

type ctxKey int

const stateKey ctxKey = 0

// TimingRecord is one named point in the request lifecycle.
type TimingRecord struct {
	Name string
	At   time.Time
}

// Future is work deferred until the request's transaction settled.
// Scope selects when it runs: on commit success, on failure, or both
// when empty.
type Future struct {
	Name  string
	Scope string
	Fn    func(ctx context.Context)
}

// Future scopes.
const (
	ScopeSuccess = "success"
	ScopeFailure = "failure"
)

// State is the mutable request-scoped registry of traversal results.
type State struct {
	mu        sync.Mutex
	app       *content.Application
	database  *content.Database
	container content.Resource
	registry  *content.Registry
	user      *auth.User
	policy    *security.Policy
	layers    map[string]bool
	records   []TimingRecord
	futures   []Future
	debug     bool
	started   time.Time
}

// With installs a fresh State on ctx.
func With(ctx context.Context) context.Context {
	return context.WithValue(ctx, stateKey, &State{
		layers:  map[string]bool{},
		started: time.Now(),
	})
}

// Get returns the State bound to ctx, or nil outside a request.
func Get(ctx context.Context) *State {
	s, _ := ctx.Value(stateKey).(*State)
	return s
}

// SetDebug enables timing/debug reporting for this request.
func (s *State) SetDebug(on bool) {
	s.mu.Lock()
	s.debug = on
	s.mu.Unlock()
}

// Debug reports whether debug reporting is on.
func (s *State) Debug() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debug
}

// Started returns when the request began.
func (s *State) Started() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// SetApplication records the traversal's application root.
func (s *State) SetApplication(app *content.Application) {
	s.mu.Lock()
	s.app = app
	s.mu.Unlock()
}

// Application returns the traversal's application root, or nil.
func (s *State) Application() *content.Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app
}

// SetDatabase records the matched database.
func (s *State) SetDatabase(d *content.Database) {
	s.mu.Lock()
	s.database = d
	s.mu.Unlock()
}

// Database returns the matched database, or nil.
func (s *State) Database() *content.Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.database
}

// SetContainer records the matched container and its registry. Called
// once per container boundary; registry may be nil while binding.
func (s *State) SetContainer(c content.Resource, reg *content.Registry) {
	s.mu.Lock()
	s.container = c
	s.registry = reg
	s.mu.Unlock()
}

// Container returns the matched container, or nil.
func (s *State) Container() content.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.container
}

// ContainerRegistry returns the bound container registry, or nil.
func (s *State) ContainerRegistry() *content.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// SetUser records the request principal.
func (s *State) SetUser(u *auth.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

// User returns the request principal, anonymous when unauthenticated.
func (s *State) User() *auth.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return auth.Anonymous()
	}
	return s.user
}

// SetPolicy installs the security policy for the request.
func (s *State) SetPolicy(p *security.Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Policy returns the request's security policy, or nil.
func (s *State) Policy() *security.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// AddLayer applies a layer to the request.
func (s *State) AddLayer(id string) {
	s.mu.Lock()
	s.layers[id] = true
	s.mu.Unlock()
}

// HasLayer reports whether a layer is applied.
func (s *State) HasLayer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layers[id]
}

// Record notes a named timing point.
func (s *State) Record(name string) {
	s.mu.Lock()
	s.records = append(s.records, TimingRecord{Name: name, At: time.Now()})
	s.mu.Unlock()
}

// Records returns the timing points in order.
func (s *State) Records() []TimingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TimingRecord, len(s.records))
	copy(out, s.records)
	return out
}

// AddFuture defers fn until the transaction settled. A future added
// twice under one name keeps the last registration.
func (s *State) AddFuture(name, scope string, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.futures {
		if s.futures[i].Name == name {
			s.futures[i] = Future{Name: name, Scope: scope, Fn: fn}
			return
		}
	}
	s.futures = append(s.futures, Future{Name: name, Scope: scope, Fn: fn})
}

// TakeFutures removes and returns the futures matching the outcome
// scope. Unscoped futures match every outcome.
func (s *State) TakeFutures(scope string) []Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Future
	var rest []Future
	for _, f := range s.futures {
		if f.Scope == "" || f.Scope == scope {
			matched = append(matched, f)
		} else {
			rest = append(rest, f)
		}
	}
	s.futures = rest
	return matched
}

// FutureCount reports how many futures are pending.
func (s *State) FutureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.futures)
}
