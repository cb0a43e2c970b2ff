package cache

import "context"

// Layered combines a fast local Store with a distributed one. Reads
// fill the local layer on a distributed hit; writes and deletes go to
// both. The distributed layer is authoritative only in the sense that
// invalidations must reach it; freshness remains the caller's problem
// either way.
type Layered struct {
	local  Store
	remote Store
}

// NewLayered stacks local in front of remote.
func NewLayered(local, remote Store) *Layered {
	return &Layered{local: local, remote: remote}
}

// Get implements Store.
func (l *Layered) Get(ctx context.Context, key string) (*Entry, error) {
	if e, err := l.local.Get(ctx, key); err != nil || e != nil {
		return e, err
	}
	e, err := l.remote.Get(ctx, key)
	if err != nil || e == nil {
		return e, err
	}
	// Fill the local layer; a failure only costs the next lookup.
	_ = l.local.Set(ctx, key, *e)
	return e, nil
}

// Set implements Store.
func (l *Layered) Set(ctx context.Context, key string, e Entry) error {
	if err := l.local.Set(ctx, key, e); err != nil {
		return err
	}
	return l.remote.Set(ctx, key, e)
}

// Delete implements Store.
func (l *Layered) Delete(ctx context.Context, key string) error {
	lerr := l.local.Delete(ctx, key)
	rerr := l.remote.Delete(ctx, key)
	if lerr != nil {
		return lerr
	}
	return rerr
}

// DeleteAll implements Store.
func (l *Layered) DeleteAll(ctx context.Context, keys []string) error {
	lerr := l.local.DeleteAll(ctx, keys)
	rerr := l.remote.DeleteAll(ctx, keys)
	if lerr != nil {
		return lerr
	}
	return rerr
}

// Clear implements Store.
func (l *Layered) Clear(ctx context.Context) error {
	lerr := l.local.Clear(ctx)
	rerr := l.remote.Clear(ctx)
	if lerr != nil {
		return lerr
	}
	return rerr
}

// Close implements Store.
func (l *Layered) Close(ctx context.Context) error {
	lerr := l.local.Close(ctx)
	rerr := l.remote.Close(ctx)
	if lerr != nil {
		return lerr
	}
	return rerr
}
