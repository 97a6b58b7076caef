package changes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/storage"
)

func newTestOutbox(t *testing.T) (*Outbox, storage.Namespace) {
	t.Helper()
	namespace := storage.NewMemoryStore().Namespace(storage.NamespaceChanges)
	outbox, err := NewOutbox(Config{
		Namespace: namespace,
		Clock:     func() time.Time { return time.UnixMilli(5_000) },
	})
	if err != nil {
		t.Fatalf("unexpected outbox error: %v", err)
	}
	return outbox, namespace
}

func mustSetChange(t *testing.T, outbox *Outbox, change entity.Change) {
	t.Helper()
	if err := outbox.SetChange(context.Background(), change); err != nil {
		t.Fatalf("unexpected set change error: %v", err)
	}
}

func stringPointer(value string) *string {
	return &value
}

func TestSetChangeCoalescesSameKey(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, "NOTE_0", 100))
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, "NOTE_0", 200))
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeNotes, entity.ActionDelete, "NOTE_0", 300))

	changes := outbox.ChangesFor(entity.ChangeTypeNotes, 300)
	if len(changes) != 1 {
		t.Fatalf("expected one marker, got %d", len(changes))
	}
	if changes[0].Action != entity.ActionDelete || changes[0].LastChange != 300 {
		t.Fatalf("expected latest marker to win, got %+v", changes[0])
	}
	if outbox.CountChanges() != 1 {
		t.Fatalf("expected count 1, got %d", outbox.CountChanges())
	}
}

func TestSetChangeRejectsInvalidChange(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	err := outbox.SetChange(context.Background(), entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, "", 1))
	if !errors.Is(err, ErrInvalidChange) {
		t.Fatalf("expected ErrInvalidChange, got %v", err)
	}
	if outbox.CountChanges() != 0 {
		t.Fatalf("invalid change must not be tracked")
	}
}

func TestChangesForExcludesLaterChanges(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, "NOTE_0", 100))
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, "NOTE_1", 200))
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, "NOTE_2", 300))

	changes := outbox.ChangesFor(entity.ChangeTypeNotes, 200)
	if len(changes) != 2 {
		t.Fatalf("expected two markers, got %d", len(changes))
	}
	for _, change := range changes {
		if change.Key == "NOTE_2" {
			t.Fatalf("marker after cutoff must be excluded")
		}
	}
	if len(outbox.ChangesFor(entity.ChangeTypeNotes, 0)) != 3 {
		t.Fatalf("zero cutoff must return all markers")
	}
	if len(outbox.ChangesFor("essay", 0)) != 0 {
		t.Fatalf("unknown type must return no markers")
	}
}

func TestSetChangesSentRemovesAcceptedMarkers(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeAnnotations, entity.ActionSave, "tmp-1", 100))

	err := outbox.SetChangesSent(context.Background(), entity.ChangeTypeAnnotations,
		map[string]*string{"tmp-1": stringPointer("srv-1")}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outbox.CountChanges() != 0 {
		t.Fatalf("expected accepted marker to be removed regardless of rename")
	}
	if outbox.LastSendingSuccess() != 5_000 {
		t.Fatalf("expected last sending success to be stamped, got %d", outbox.LastSendingSuccess())
	}
}

func TestSetChangesSentRenamesMarkersEditedDuringSend(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeAnnotations, entity.ActionSave, "tmp-1", 150))
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeAnnotations, entity.ActionSave, "tmp-2", 150))

	err := outbox.SetChangesSent(context.Background(), entity.ChangeTypeAnnotations,
		map[string]*string{"tmp-1": stringPointer("srv-1"), "tmp-2": nil}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	changes := outbox.ChangesFor(entity.ChangeTypeAnnotations, 0)
	if len(changes) != 2 {
		t.Fatalf("expected both markers to stay pending, got %d", len(changes))
	}
	keys := map[string]int64{}
	for _, change := range changes {
		keys[change.Key] = change.LastChange
	}
	if keys["srv-1"] != 150 {
		t.Fatalf("expected renamed marker with preserved timestamp, got %+v", keys)
	}
	if keys["tmp-2"] != 150 {
		t.Fatalf("expected marker without new key to stay under its old key, got %+v", keys)
	}
}

func TestLoadFromStorageRestoresMarkers(t *testing.T) {
	outbox, namespace := newTestOutbox(t)
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, "NOTE_0", 100))
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypePreferences, entity.ActionSave, "preferences", 120))

	restored, err := NewOutbox(Config{Namespace: namespace})
	if err != nil {
		t.Fatalf("unexpected outbox error: %v", err)
	}
	if !restored.HasChangesInStorage(context.Background()) {
		t.Fatalf("expected persisted markers")
	}
	restored.LoadFromStorage(context.Background())
	if restored.CountChanges() != 2 {
		t.Fatalf("expected two restored markers, got %d", restored.CountChanges())
	}
	if restored.CountChangesFor(entity.ChangeTypePreferences) != 1 {
		t.Fatalf("expected one preferences marker")
	}
	if restored.LastSave() != 5_000 {
		t.Fatalf("expected last save to be restored, got %d", restored.LastSave())
	}
}

func TestLoadFromStorageSkipsCorruptEntries(t *testing.T) {
	outbox, namespace := newTestOutbox(t)
	corrupt := map[string]any{
		"NOTE_0": map[string]any{"type": "notes", "action": "save", "key": "NOTE_0", "last_change": 10},
		"NOTE_1": map[string]any{"type": "notes", "action": "explode", "key": "NOTE_1"},
	}
	if err := namespace.Set(context.Background(), string(entity.ChangeTypeNotes), corrupt); err != nil {
		t.Fatalf("unexpected storage error: %v", err)
	}
	outbox.LoadFromStorage(context.Background())
	if outbox.CountChanges() != 1 {
		t.Fatalf("expected only the valid marker, got %d", outbox.CountChanges())
	}
}

func TestClearStorageResetsOutbox(t *testing.T) {
	outbox, _ := newTestOutbox(t)
	mustSetChange(t, outbox, entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, "NOTE_0", 100))
	if err := outbox.ClearStorage(context.Background()); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	if outbox.CountChanges() != 0 || outbox.HasChangesInStorage(context.Background()) {
		t.Fatalf("expected empty outbox after clear")
	}
}
