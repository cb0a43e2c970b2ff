// Package events implements the notification bus. Subscribers run in
// ascending priority order; ties are broken by registration order.
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// DefaultPriority is used when subscribing without an explicit priority.
const DefaultPriority = 100

// Event is anything dispatched through the bus. Name selects the
// subscriber list.
type Event interface {
	EventName() string
}

// Handler receives one event. Errors are logged, never propagated: a
// misbehaving subscriber must not fail the request that fired the event.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	priority int
	seq      int
	fn       Handler
}

// Bus dispatches events to subscribers. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	seq  int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[string][]subscription{}}
}

// Subscribe registers fn for events with the given name at priority.
func (b *Bus) Subscribe(name string, priority int, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	subs := append(b.subs[name], subscription{priority: priority, seq: b.seq, fn: fn})
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority < subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
	b.subs[name] = subs
}

// Notify runs every subscriber for ev, in order, on the calling
// goroutine. Priority order is the only ordering guarantee.
func (b *Bus) Notify(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.EventName()]
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.fn(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "Event subscriber failed", "event", ev.EventName(), "err", err)
		}
	}
}

// Events fired by the router and traversal.

// ObjectLoaded fires once the resolved resource is fully loaded.
type ObjectLoaded struct{ Resource any }

// EventName implements Event.
func (ObjectLoaded) EventName() string { return "object_loaded" }

// BeforeRenderView fires just before a resolved view executes.
type BeforeRenderView struct{ View any }

// EventName implements Event.
func (BeforeRenderView) EventName() string { return "before_render_view" }

// TraversalViewMiss fires when no view matches, even with the wildcard
// retry.
type TraversalViewMiss struct{ Tail []string }

// EventName implements Event.
func (TraversalViewMiss) EventName() string { return "traversal_view_miss" }

// TraversalRouteMiss fires when a view's route matcher rejects the
// remaining path segments.
type TraversalRouteMiss struct{ Tail []string }

// EventName implements Event.
func (TraversalRouteMiss) EventName() string { return "traversal_route_miss" }
