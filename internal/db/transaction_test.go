package db_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tessella/tessella/internal/content"
	"github.com/tessella/tessella/internal/db"
	"github.com/tessella/tessella/internal/db/cache"
	"github.com/tessella/tessella/internal/db/memory"
)

// newManager wires a manager over fresh in-memory storage and cache.
func newManager(t *testing.T) (*db.Manager, *memory.Storage, *cache.Memory) {
	t.Helper()
	storage := memory.New()
	store := cache.NewMemory(100)
	return db.NewManager(storage, content.Codec(), "db1", store), storage, store
}

// seedFolder persists a folder under the root, outside any transaction.
func seedFolder(t *testing.T, storage *memory.Storage, name string) *content.Folder {
	t.Helper()
	f := &content.Folder{Base: content.NewBase("Folder", name)}
	f.ParentID = db.RootID
	rec, err := content.Codec().Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	rec.TID = 2
	storage.Seed(rec)
	f.TID = 2
	return f
}

func begin(t *testing.T, mgr *db.Manager, readOnly bool) (context.Context, *db.Transaction) {
	t.Helper()
	ctx := db.WithRequestState(context.Background())
	txn, err := mgr.Begin(ctx, readOnly, false)
	if err != nil {
		t.Fatal(err)
	}
	return ctx, txn
}

func TestGetLoadsThroughCache(t *testing.T) {
	mgr, storage, _ := newManager(t)
	f := seedFolder(t, storage, "docs")

	ctx, txn := begin(t, mgr, false)
	ob, err := txn.Get(ctx, f.OID)
	if err != nil {
		t.Fatal(err)
	}
	if ob.UUID() != f.OID || ob.Name() != "docs" {
		t.Errorf("loaded %s/%s, want %s/docs", ob.UUID(), ob.Name(), f.OID)
	}
	if txn.QueryCount() != 1 {
		t.Errorf("QueryCount = %d after first load, want 1", txn.QueryCount())
	}

	// Second Get comes from the register, not storage.
	again, err := txn.Get(ctx, f.OID)
	if err != nil {
		t.Fatal(err)
	}
	if again != ob {
		t.Error("register must return the identical instance")
	}
	if txn.QueryCount() != 1 {
		t.Errorf("QueryCount = %d after register hit, want 1", txn.QueryCount())
	}
	mgr.Abort(ctx, txn)

	// A fresh transaction finds the object in the shared cache.
	ctx2, txn2 := begin(t, mgr, true)
	if _, err := txn2.Get(ctx2, f.OID); err != nil {
		t.Fatal(err)
	}
	if txn2.QueryCount() != 0 {
		t.Errorf("QueryCount = %d on cached load, want 0", txn2.QueryCount())
	}
	if mgr.CacheTotals().Hits() == 0 {
		t.Error("manager totals should record the cache hit")
	}
}

func TestGetChildAndVariants(t *testing.T) {
	mgr, storage, _ := newManager(t)
	seedFolder(t, storage, "docs")
	seedFolder(t, storage, "img")

	ctx, txn := begin(t, mgr, true)
	root, err := mgr.GetRoot(ctx, txn)
	if err != nil {
		t.Fatal(err)
	}
	child, err := txn.GetChild(ctx, root, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if child.Name() != "docs" {
		t.Errorf("child name = %q", child.Name())
	}
	if _, err := txn.GetChild(ctx, root, "absent"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("missing child error = %v, want ErrNotFound", err)
	}

	n, err := txn.Len(ctx, db.RootID)
	if err != nil || n != 2 {
		t.Fatalf("Len = %d err %v, want 2", n, err)
	}
	keys, err := txn.Keys(ctx, db.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "docs" || keys[1] != "img" {
		t.Errorf("Keys = %v", keys)
	}
	queries := txn.QueryCount()

	// Len and Keys replay from the variant cache entries.
	if _, err := txn.Len(ctx, db.RootID); err != nil {
		t.Fatal(err)
	}
	if _, err := txn.Keys(ctx, db.RootID); err != nil {
		t.Fatal(err)
	}
	if txn.QueryCount() != queries {
		t.Errorf("QueryCount grew from %d to %d on cached variants", queries, txn.QueryCount())
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	mgr, _, _ := newManager(t)
	_, txn := begin(t, mgr, true)
	f := &content.Folder{Base: content.NewBase("Folder", "x")}
	if err := txn.RegisterAdded(f); !errors.Is(err, db.ErrReadOnly) {
		t.Errorf("RegisterAdded = %v, want ErrReadOnly", err)
	}
	if err := txn.RegisterModified(f); !errors.Is(err, db.ErrReadOnly) {
		t.Errorf("RegisterModified = %v, want ErrReadOnly", err)
	}
	if err := txn.RegisterDeleted(f); !errors.Is(err, db.ErrReadOnly) {
		t.Errorf("RegisterDeleted = %v, want ErrReadOnly", err)
	}
}

func TestDeleteOfAddedCancelsOut(t *testing.T) {
	mgr, storage, _ := newManager(t)
	ctx, txn := begin(t, mgr, false)

	f := &content.Folder{Base: content.NewBase("Folder", "ephemeral")}
	f.ParentID = db.RootID
	if err := txn.RegisterAdded(f); err != nil {
		t.Fatal(err)
	}
	if err := txn.RegisterDeleted(f); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Commit(ctx, txn); err != nil {
		t.Fatal(err)
	}
	if _, err := storage.Load(context.Background(), mustOpen(t, storage), f.OID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("object added then deleted must never reach storage, got %v", err)
	}
}

func TestCommitAppliesAndInvalidates(t *testing.T) {
	mgr, storage, store := newManager(t)
	f := seedFolder(t, storage, "docs")

	// Warm the cache.
	ctx, txn := begin(t, mgr, true)
	if _, err := txn.Get(ctx, f.OID); err != nil {
		t.Fatal(err)
	}
	mgr.Abort(ctx, txn)
	key := cache.BuildKey("db1", cache.KeyParts{OID: f.OID})
	if e, _ := store.Get(context.Background(), key); e == nil {
		t.Fatal("expected warm cache entry")
	}

	ctx2, txn2 := begin(t, mgr, false)
	ob, err := txn2.Get(ctx2, f.OID)
	if err != nil {
		t.Fatal(err)
	}
	res := ob.(content.Resource)
	res.SetValue("title", "Documents")
	if err := txn2.RegisterModified(res); err != nil {
		t.Fatal(err)
	}
	before := res.LastCommitted()
	if err := mgr.Commit(ctx2, txn2); err != nil {
		t.Fatal(err)
	}
	if res.LastCommitted() <= before {
		t.Errorf("tid did not advance: %d -> %d", before, res.LastCommitted())
	}
	if txn2.Status() != db.StatusCommitted {
		t.Errorf("status = %v", txn2.Status())
	}
	if e, _ := store.Get(context.Background(), key); e != nil {
		t.Error("commit must invalidate the object's cache entry")
	}
}

func TestCommitConflict(t *testing.T) {
	mgr, storage, _ := newManager(t)
	f := seedFolder(t, storage, "docs")

	ctx, txn := begin(t, mgr, false)
	ob, err := txn.Get(ctx, f.OID)
	if err != nil {
		t.Fatal(err)
	}
	res := ob.(content.Resource)
	res.SetValue("n", 1)
	if err := txn.RegisterModified(res); err != nil {
		t.Fatal(err)
	}

	// Another commit lands first.
	rec, _ := content.Codec().Encode(f)
	rec.TID = 99
	storage.Seed(rec)

	err = mgr.Commit(ctx, txn)
	if !errors.Is(err, db.ErrConflict) {
		t.Fatalf("Commit = %v, want ErrConflict", err)
	}
	if txn.Status() != db.StatusConflict {
		t.Errorf("status = %v, want CONFLICT", txn.Status())
	}
	if storage.Opened() != storage.Released() {
		t.Errorf("connection leak: opened %d, released %d", storage.Opened(), storage.Released())
	}
}

func TestCommitHookFailureReleasesConn(t *testing.T) {
	mgr, storage, _ := newManager(t)
	storage.CommitHook = func([]db.Write) error {
		return fmt.Errorf("disk on fire")
	}
	ctx, txn := begin(t, mgr, false)
	if err := mgr.Commit(ctx, txn); err == nil {
		t.Fatal("expected commit failure")
	}
	if storage.Opened() != storage.Released() {
		t.Errorf("connection leak: opened %d, released %d", storage.Opened(), storage.Released())
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	mgr, storage, _ := newManager(t)
	ctx, txn := begin(t, mgr, false)
	mgr.Abort(ctx, txn)
	if txn.Status() != db.StatusAborted {
		t.Fatalf("status = %v", txn.Status())
	}
	// A second abort must not double-release.
	mgr.Abort(ctx, txn)
	if storage.Opened() != storage.Released() {
		t.Errorf("opened %d, released %d", storage.Opened(), storage.Released())
	}
}

func TestAbortIgnoresCancellation(t *testing.T) {
	mgr, storage, _ := newManager(t)
	ctx, txn := begin(t, mgr, false)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	mgr.Abort(cancelled, txn)
	if txn.Status() != db.StatusAborted {
		t.Errorf("status = %v, abort must run despite cancellation", txn.Status())
	}
	if storage.Opened() != storage.Released() {
		t.Errorf("opened %d, released %d", storage.Opened(), storage.Released())
	}
}

func mustOpen(t *testing.T, storage *memory.Storage) db.Conn {
	t.Helper()
	conn, err := storage.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return conn
}
