package badgerdb

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tessella/tessella/internal/db"
)

// newStorage opens an in-memory store seeded with a root record.
func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Shutdown() })
	if err := s.Bootstrap(db.Record{OID: db.RootID, Type: "Root"}); err != nil {
		t.Fatal(err)
	}
	return s
}

func open(t *testing.T, s *Storage) db.Conn {
	t.Helper()
	conn, err := s.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func commit(t *testing.T, s *Storage, writes ...db.Write) uint64 {
	t.Helper()
	conn := open(t, s)
	defer s.Close(context.Background(), conn)
	tid, err := s.Commit(context.Background(), conn, writes)
	if err != nil {
		t.Fatal(err)
	}
	return tid
}

func TestBootstrapIsIdempotent(t *testing.T) {
	s := newStorage(t)
	if err := s.Bootstrap(db.Record{OID: db.RootID, Type: "Root", TID: 99}); err != nil {
		t.Fatal(err)
	}
	conn := open(t, s)
	defer s.Close(context.Background(), conn)
	rec, err := s.Load(context.Background(), conn, db.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TID != 1 {
		t.Errorf("root tid = %d, re-bootstrap must not overwrite", rec.TID)
	}
}

func TestCommitLoadAndIndexes(t *testing.T) {
	s := newStorage(t)
	tid := commit(t, s,
		db.Write{Added: true, Record: db.Record{OID: "f1", Name: "docs", Parent: db.RootID, Type: "Folder"}},
		db.Write{Added: true, Record: db.Record{OID: "f2", Name: "img", Parent: db.RootID, Type: "Folder"}},
		db.Write{Added: true, Record: db.Record{OID: "a1", Name: "meta", Of: "f1", Type: "Annotation"}},
	)
	if tid < 2 {
		t.Errorf("tid = %d", tid)
	}

	conn := open(t, s)
	defer s.Close(context.Background(), conn)

	rec, err := s.Load(context.Background(), conn, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "docs" || rec.TID != tid {
		t.Errorf("rec = %+v", rec)
	}

	if rec, err = s.GetChild(context.Background(), conn, db.RootID, "docs"); err != nil || rec.OID != "f1" {
		t.Errorf("GetChild = %+v, %v", rec, err)
	}
	// Annotations resolve through the same lookup, keyed by owner.
	if rec, err = s.GetChild(context.Background(), conn, "f1", "meta"); err != nil || rec.OID != "a1" {
		t.Errorf("annotation GetChild = %+v, %v", rec, err)
	}
	if _, err = s.GetChild(context.Background(), conn, db.RootID, "nope"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("missing child err = %v", err)
	}

	n, err := s.Len(context.Background(), conn, db.RootID)
	if err != nil || n != 2 {
		t.Errorf("Len = %d, %v", n, err)
	}
	keys, err := s.Keys(context.Background(), conn, db.RootID)
	if err != nil || !reflect.DeepEqual(keys, []string{"docs", "img"}) {
		t.Errorf("Keys = %v, %v", keys, err)
	}
}

func TestCommitConflictAppliesNothing(t *testing.T) {
	s := newStorage(t)
	tid := commit(t, s,
		db.Write{Added: true, Record: db.Record{OID: "f1", Name: "docs", Parent: db.RootID, Type: "Folder"}},
	)

	conn := open(t, s)
	defer s.Close(context.Background(), conn)
	_, err := s.Commit(context.Background(), conn, []db.Write{
		{Record: db.Record{OID: "f1", TID: tid, Name: "docs", Parent: db.RootID, State: []byte("new")}},
		{Record: db.Record{OID: db.RootID, TID: 42, Type: "Root"}},
	})
	if !errors.Is(err, db.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	// The valid first write must not have been applied.
	rec, err := s.Load(context.Background(), conn, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.State) != 0 {
		t.Error("a conflicted batch must apply nothing")
	}
}

func TestCommitDetectsDuplicateAdd(t *testing.T) {
	s := newStorage(t)
	commit(t, s, db.Write{Added: true, Record: db.Record{OID: "f1", Name: "docs", Parent: db.RootID}})
	conn := open(t, s)
	defer s.Close(context.Background(), conn)
	_, err := s.Commit(context.Background(), conn, []db.Write{
		{Added: true, Record: db.Record{OID: "f1", Name: "docs", Parent: db.RootID}},
	})
	if !errors.Is(err, db.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestDeleteClearsIndexes(t *testing.T) {
	s := newStorage(t)
	tid := commit(t, s,
		db.Write{Added: true, Record: db.Record{OID: "f1", Name: "docs", Parent: db.RootID, Type: "Folder"}},
		db.Write{Added: true, Record: db.Record{OID: "a1", Name: "meta", Of: "f1", Type: "Annotation"}},
	)
	commit(t, s,
		db.Write{Deleted: true, Record: db.Record{OID: "a1", TID: tid, Name: "meta", Of: "f1"}},
		db.Write{Deleted: true, Record: db.Record{OID: "f1", TID: tid, Name: "docs", Parent: db.RootID}},
	)

	conn := open(t, s)
	defer s.Close(context.Background(), conn)
	if _, err := s.Load(context.Background(), conn, "f1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Load after delete = %v", err)
	}
	if _, err := s.GetChild(context.Background(), conn, db.RootID, "docs"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("child index survived delete: %v", err)
	}
	if _, err := s.GetChild(context.Background(), conn, "f1", "meta"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("annotation index survived delete: %v", err)
	}
}

func TestDeleteMissingIsNotAConflict(t *testing.T) {
	s := newStorage(t)
	commit(t, s, db.Write{Deleted: true, Record: db.Record{OID: "ghost", Name: "x", Parent: db.RootID}})
}

func TestConnLifecycle(t *testing.T) {
	s := newStorage(t)
	conn := open(t, s)
	if err := s.Close(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(context.Background(), conn); !errors.Is(err, db.ErrConnReleased) {
		t.Errorf("double close = %v", err)
	}
	if err := s.Terminate(context.Background(), conn); !errors.Is(err, db.ErrConnReleased) {
		t.Errorf("terminate after close = %v", err)
	}
	if _, err := s.Load(context.Background(), conn, db.RootID); !errors.Is(err, db.ErrInvalidConnection) {
		t.Errorf("read on released conn = %v", err)
	}
	if err := s.Close(context.Background(), nil); !errors.Is(err, db.ErrInvalidConnection) {
		t.Errorf("foreign conn = %v", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := newStorage(t)
	conn := open(t, s)
	defer s.Close(context.Background(), conn)
	if err := s.StartTransaction(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	// A write landing after the snapshot stays invisible to it.
	commit(t, s, db.Write{Added: true, Record: db.Record{OID: "f1", Name: "docs", Parent: db.RootID}})

	if _, err := s.GetChild(context.Background(), conn, db.RootID, "docs"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("snapshot saw a later write: %v", err)
	}

	// A fresh connection without a snapshot sees it.
	conn2 := open(t, s)
	defer s.Close(context.Background(), conn2)
	if _, err := s.GetChild(context.Background(), conn2, db.RootID, "docs"); err != nil {
		t.Errorf("fresh read = %v", err)
	}
}

func TestTIDIsMonotonic(t *testing.T) {
	s := newStorage(t)
	t1 := commit(t, s, db.Write{Added: true, Record: db.Record{OID: "x", Name: "x", Parent: db.RootID}})
	t2 := commit(t, s, db.Write{Added: true, Record: db.Record{OID: "y", Name: "y", Parent: db.RootID}})
	if t2 <= t1 {
		t.Errorf("tids = %d then %d", t1, t2)
	}
}
