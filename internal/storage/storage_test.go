package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type storeFactory func(t *testing.T) Store

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kv.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewSQLiteStore(db, func() time.Time { return time.UnixMilli(1700000000000) })
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func newTestMemoryStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}

func forEachStore(t *testing.T, run func(t *testing.T, store Store)) {
	factories := map[string]storeFactory{
		"sqlite": newTestSQLiteStore,
		"memory": newTestMemoryStore,
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			run(t, factory(t))
		})
	}
}

type sample struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

func TestNamespaceSetGetRemove(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		namespace := store.Namespace(NamespaceNotes)

		if err := namespace.Set(ctx, "NOTE_0", sample{Text: "first", Count: 1}); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if err := namespace.Set(ctx, "NOTE_0", sample{Text: "second", Count: 2}); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}

		var loaded sample
		found, err := namespace.Get(ctx, "NOTE_0", &loaded)
		if err != nil || !found {
			t.Fatalf("expected stored value, found=%v err=%v", found, err)
		}
		if loaded.Text != "second" || loaded.Count != 2 {
			t.Fatalf("unexpected value %+v", loaded)
		}

		if err := namespace.Remove(ctx, "NOTE_0"); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
		found, err = namespace.Get(ctx, "NOTE_0", &loaded)
		if err != nil || found {
			t.Fatalf("expected value to be removed, found=%v err=%v", found, err)
		}
	})
}

func TestNamespacesAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		notes := store.Namespace(NamespaceNotes)
		changes := store.Namespace(NamespaceChanges)

		if err := notes.Set(ctx, "shared", "notes"); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if err := changes.Set(ctx, "shared", "changes"); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		if err := notes.Clear(ctx); err != nil {
			t.Fatalf("clear failed: %v", err)
		}

		keys, err := notes.Keys(ctx)
		if err != nil {
			t.Fatalf("keys failed: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("expected cleared namespace, got %v", keys)
		}
		var value string
		found, err := changes.Get(ctx, "shared", &value)
		if err != nil || !found || value != "changes" {
			t.Fatalf("expected other namespace to survive, found=%v value=%q err=%v", found, value, err)
		}
	})
}

func TestKeyIndexRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		namespace := store.Namespace(NamespaceAnnotations)

		keys, err := LoadIndex(ctx, namespace)
		if err != nil {
			t.Fatalf("load index failed: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("expected empty index, got %v", keys)
		}

		if err := SaveIndex(ctx, namespace, []string{"b", "a"}); err != nil {
			t.Fatalf("save index failed: %v", err)
		}
		keys, err = LoadIndex(ctx, namespace)
		if err != nil {
			t.Fatalf("load index failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != "b" || keys[1] != "a" {
			t.Fatalf("expected index order to be preserved, got %v", keys)
		}
	})
}

func TestRawMessageValues(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		namespace := store.Namespace(NamespaceTask)

		if err := namespace.Set(ctx, "task", json.RawMessage(`{"title":"Essay"}`)); err != nil {
			t.Fatalf("set raw failed: %v", err)
		}
		var raw json.RawMessage
		found, err := namespace.Get(ctx, "task", &raw)
		if err != nil || !found {
			t.Fatalf("expected raw value, found=%v err=%v", found, err)
		}
		if string(raw) != `{"title":"Essay"}` {
			t.Fatalf("unexpected raw value %s", string(raw))
		}

		if err := namespace.Set(ctx, "broken", json.RawMessage(`{`)); err == nil {
			t.Fatalf("expected invalid raw json to be rejected")
		}
	})
}

func TestEmptyKeyIsRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		if err := store.Namespace(NamespaceTask).Set(context.Background(), "", 1); err == nil {
			t.Fatalf("expected empty key to be rejected")
		}
	})
}
