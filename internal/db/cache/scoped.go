package cache

import (
	"context"
	"log/slog"
)

// Scoped wraps a Store with the database id used for key construction
// and the two counter sets to feed. One Scoped instance serves one
// transaction; totals belong to the transaction manager and survive
// transaction reuse.
type Scoped struct {
	db      string
	backend Store
	local   *Stats
	totals  *Stats
}

// NewScoped binds backend to database db. local counters are reset by
// the transaction on reuse; totals accumulate across transactions.
func NewScoped(db string, backend Store, local, totals *Stats) *Scoped {
	return &Scoped{db: db, backend: backend, local: local, totals: totals}
}

// DB returns the database id keys are scoped to.
func (c *Scoped) DB() string { return c.db }

// Key renders parts into this cache's key space.
func (c *Scoped) Key(p KeyParts) string { return BuildKey(c.db, p) }

// Get looks up parts. A miss returns (nil, false, nil) and counts
// against the miss counters; backend errors are returned as errors,
// not misses.
func (c *Scoped) Get(ctx context.Context, p KeyParts) (*Entry, bool, error) {
	e, err := c.backend.Get(ctx, c.Key(p))
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		c.local.misses.Add(1)
		c.totals.misses.Add(1)
		return nil, false, nil
	}
	c.local.hits.Add(1)
	c.totals.hits.Add(1)
	return e, true, nil
}

// Set stores e under parts. Payloads above MaxEntrySize are skipped
// with a warning; a partial store would be worse than no store.
func (c *Scoped) Set(ctx context.Context, p KeyParts, e Entry) error {
	if len(e.State) > MaxEntrySize {
		slog.WarnContext(ctx, "Cache entry over size ceiling, skipping", "key", c.Key(p), "size", len(e.State))
		return nil
	}
	if err := c.backend.Set(ctx, c.Key(p), e); err != nil {
		return err
	}
	c.local.stored.Add(1)
	c.totals.stored.Add(1)
	return nil
}

// Delete removes one key. Best-effort; the error is for logging.
func (c *Scoped) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// DeleteAll removes keys. Failures are logged and do not abort the
// caller: invalidation is best-effort by contract.
func (c *Scoped) DeleteAll(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := c.backend.DeleteAll(ctx, keys); err != nil {
		slog.WarnContext(ctx, "Bulk cache delete failed", "keys", len(keys), "err", err)
	}
}

// Clear drops all entries in the backend's scope.
func (c *Scoped) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx)
}

// Stats returns the per-transaction counters.
func (c *Scoped) Stats() *Stats { return c.local }
