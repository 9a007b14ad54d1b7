package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── CRUD ────────────────────────────────────────────────────

func TestCRUD(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var out doc
	err := s.Get(ctx, "things", "a", &out)
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Get(missing) = %v, want *ErrNotFound", err)
	}

	if err := s.Put(ctx, "things", "a", doc{Name: "one", Count: 1}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Get(ctx, "things", "a", &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if out.Name != "one" || out.Count != 1 {
		t.Errorf("Get() = %+v", out)
	}

	// Put is merge-by-replace.
	if err := s.Put(ctx, "things", "a", doc{Name: "two"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Get(ctx, "things", "a", &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "two" || out.Count != 0 {
		t.Errorf("after replace = %+v", out)
	}

	err = s.Create(ctx, "things", "a", doc{Name: "three"})
	var exists *ErrExists
	if !errors.As(err, &exists) {
		t.Fatalf("Create(existing) = %v, want *ErrExists", err)
	}
	if err := s.Create(ctx, "things", "b", doc{Name: "b"}); err != nil {
		t.Fatalf("Create(fresh) error = %v", err)
	}

	if err := s.Delete(ctx, "things", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Get(ctx, "things", "a", &out); !errors.As(err, &notFound) {
		t.Errorf("Get(deleted) = %v, want *ErrNotFound", err)
	}
	// Deleting a missing document is a no-op.
	if err := s.Delete(ctx, "things", "ghost"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Listing an absent collection yields no rows, no error.
	count := 0
	if err := s.List(ctx, "empty", func(string, []byte) error { count++; return nil }); err != nil {
		t.Fatalf("List(empty) error = %v", err)
	}
	if count != 0 {
		t.Errorf("List(empty) visited %d rows", count)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, "things", id, doc{Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	seen := map[string]bool{}
	err := s.List(ctx, "things", func(id string, raw []byte) error {
		seen[id] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || !seen["a"] || !seen["b"] || !seen["c"] {
		t.Errorf("List() visited %v", seen)
	}

	// Callback errors stop iteration and propagate.
	boom := errors.New("boom")
	if err := s.List(ctx, "things", func(string, []byte) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("List() error = %v, want boom", err)
	}
}

// ─── Transactions ────────────────────────────────────────────

func TestRunTxn_ReadYourWrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.RunTxn(ctx, func(tx Txn) error {
		if err := tx.Put("things", "a", doc{Name: "staged"}); err != nil {
			return err
		}
		var out doc
		if err := tx.Get("things", "a", &out); err != nil {
			return err
		}
		if out.Name != "staged" {
			t.Errorf("in-txn read = %+v, want staged write", out)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTxn() error = %v", err)
	}

	var out doc
	if err := s.Get(ctx, "things", "a", &out); err != nil {
		t.Fatalf("committed write missing: %v", err)
	}
}

func TestRunTxn_RollbackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunTxn(ctx, func(tx Txn) error {
		if err := tx.Put("things", "a", doc{Name: "never"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunTxn() error = %v, want boom", err)
	}

	var out doc
	var notFound *ErrNotFound
	if err := s.Get(ctx, "things", "a", &out); !errors.As(err, &notFound) {
		t.Errorf("write survived a failed transaction: %v", err)
	}
}

func TestRunTxn_StagedDeleteAndCreate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "things", "a", doc{Name: "base"}); err != nil {
		t.Fatal(err)
	}

	err := s.RunTxn(ctx, func(tx Txn) error {
		if err := tx.Delete("things", "a"); err != nil {
			return err
		}
		var out doc
		var notFound *ErrNotFound
		if err := tx.Get("things", "a", &out); !errors.As(err, &notFound) {
			t.Errorf("staged delete still readable: %v", err)
		}
		// The slot is free again inside the txn, so Create succeeds.
		if err := tx.Create("things", "a", doc{Name: "recreated"}); err != nil {
			return err
		}
		var exists *ErrExists
		if err := tx.Create("things", "a", doc{Name: "dup"}); !errors.As(err, &exists) {
			t.Errorf("Create over staged write = %v, want *ErrExists", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTxn() error = %v", err)
	}

	var out doc
	if err := s.Get(ctx, "things", "a", &out); err != nil || out.Name != "recreated" {
		t.Errorf("committed doc = %+v, %v", out, err)
	}
}

func TestRunTxn_ListSeesStagedState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := s.Put(ctx, "things", id, doc{Name: id}); err != nil {
			t.Fatal(err)
		}
	}

	err := s.RunTxn(ctx, func(tx Txn) error {
		if err := tx.Delete("things", "a"); err != nil {
			return err
		}
		if err := tx.Put("things", "c", doc{Name: "c"}); err != nil {
			return err
		}
		seen := map[string]bool{}
		if err := tx.List("things", func(id string, _ []byte) error {
			seen[id] = true
			return nil
		}); err != nil {
			return err
		}
		if seen["a"] || !seen["b"] || !seen["c"] {
			t.Errorf("txn List() visited %v, want b and c only", seen)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTxn() error = %v", err)
	}
}

// ─── Snapshot persistence ────────────────────────────────────

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := NewMemoryStore(dir)
	if err := s.Put(ctx, "things", "a", doc{Name: "durable", Count: 7}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := filepath.Glob(filepath.Join(dir, "documents.json")); err != nil {
		t.Fatal(err)
	}

	reopened := NewMemoryStore(dir)
	t.Cleanup(func() { reopened.Close() })
	var out doc
	if err := reopened.Get(ctx, "things", "a", &out); err != nil {
		t.Fatalf("snapshot did not restore: %v", err)
	}
	if out.Name != "durable" || out.Count != 7 {
		t.Errorf("restored doc = %+v", out)
	}
}

// ─── Index registry ──────────────────────────────────────────

func TestIndexRegistry(t *testing.T) {
	if !HasIndex(ColLibraryLoans, "borrowerUid") {
		t.Error("borrowerUid index on loans should be registered")
	}
	if !HasIndex(ColReservations, "ownerUid,createdAt desc") {
		t.Error("reservation owner index should be registered")
	}
	if HasIndex(ColLibraryLoans, "dueAt") {
		t.Error("unregistered index reported present")
	}

	if err := CheckIndex(ColAgentOrders, "uid"); err != nil {
		t.Errorf("CheckIndex(agentOrders, uid) = %v", err)
	}
	err := CheckIndex(ColNotifications, "uid")
	var missing *ErrMissingIndex
	if !errors.As(err, &missing) {
		t.Fatalf("CheckIndex(unindexed) = %v, want *ErrMissingIndex", err)
	}
	if missing.Collection != ColNotifications {
		t.Errorf("missing.Collection = %s", missing.Collection)
	}
}
