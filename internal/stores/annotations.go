package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/changes"
	"github.com/longessay/writer-agent/internal/clock"
	"github.com/longessay/writer-agent/internal/entity"
)

// ErrUnknownAnnotation indicates a mutation of an annotation that does not exist.
var ErrUnknownAnnotation = errors.New("stores: unknown annotation")

// Annotations keeps the annotations of all resources, sorted and labeled.
//
// MarkerChange and SelectionChange are increasing timestamps that let observers tell a change
// affecting the rendered marks apart from a change of the selection only.
type Annotations struct {
	base
	outbox *changes.Outbox
	clock  *clock.ServerClock

	// updating keeps storage and outbox writes in memory order.
	updating        sync.Mutex
	mu              sync.Mutex
	annotations     []entity.Annotation
	selectedKey     string
	markerChange    int64
	selectionChange int64
}

// ClearStorage removes all persisted annotations and resets the store.
func (s *Annotations) ClearStorage(ctx context.Context) {
	s.updating.Lock()
	defer s.updating.Unlock()
	s.clear(ctx)
	s.mu.Lock()
	s.annotations = nil
	s.selectedKey = ""
	s.touchMarkersLocked()
	s.mu.Unlock()
	s.publish()
}

// LoadFromStorage restores the annotations persisted by an earlier session.
func (s *Annotations) LoadFromStorage(ctx context.Context) {
	s.updating.Lock()
	defer s.updating.Unlock()
	keys := s.readIndex(ctx)
	loaded := make([]entity.Annotation, 0, len(keys))
	for _, key := range keys {
		payload := s.readPayload(ctx, key)
		if payload == nil {
			continue
		}
		annotation, err := entity.DecodeAnnotation(payload)
		if err != nil {
			s.logError("load_from_storage", "decode_failed", err, zap.String("key", key))
			continue
		}
		loaded = append(loaded, annotation)
	}
	entity.SortAndLabel(loaded)

	s.mu.Lock()
	s.annotations = loaded
	s.selectedKey = ""
	s.touchMarkersLocked()
	s.mu.Unlock()
	s.publish()
}

// LoadFromData replaces all annotations with the ones delivered by the backend.
func (s *Annotations) LoadFromData(ctx context.Context, annotations []entity.Annotation) {
	s.updating.Lock()
	defer s.updating.Unlock()
	s.clear(ctx)
	loaded := make([]entity.Annotation, 0, len(annotations))
	for _, annotation := range annotations {
		if err := annotation.Validate(); err != nil {
			s.logError("load_from_data", "invalid_annotation", err)
			continue
		}
		loaded = append(loaded, annotation.Clone())
	}
	entity.SortAndLabel(loaded)

	s.mu.Lock()
	s.annotations = loaded
	s.selectedKey = ""
	s.touchMarkersLocked()
	keys := s.keysLocked()
	s.mu.Unlock()

	for _, annotation := range loaded {
		s.write(ctx, annotation.Key(), annotation.Data())
	}
	s.writeIndex(ctx, keys)
	s.publish()
}

// CreateAnnotation adds an annotation. Creating an annotation that already exists updates it.
func (s *Annotations) CreateAnnotation(ctx context.Context, annotation entity.Annotation) error {
	if err := annotation.Validate(); err != nil {
		return err
	}
	s.updating.Lock()
	defer s.updating.Unlock()
	if _, exists := s.Get(annotation.Key()); exists {
		return s.applyUpdate(ctx, annotation)
	}
	s.applyCreate(ctx, annotation)
	return nil
}

// UpdateAnnotation replaces an existing annotation. An update with identical data is a no-op.
func (s *Annotations) UpdateAnnotation(ctx context.Context, annotation entity.Annotation) error {
	if err := annotation.Validate(); err != nil {
		return err
	}
	s.updating.Lock()
	defer s.updating.Unlock()
	return s.applyUpdate(ctx, annotation)
}

// Modify changes the stored annotation with the given key in one mutation and returns the
// saved annotation. The key of the annotation cannot be changed.
func (s *Annotations) Modify(ctx context.Context, key string, change func(annotation *entity.Annotation)) (entity.Annotation, error) {
	return s.mutate(ctx, key, false, func(annotation *entity.Annotation, _ bool) { change(annotation) })
}

// Upsert changes the stored annotation with the given key, or a new empty annotation when none
// exists, and saves it in one mutation.
func (s *Annotations) Upsert(ctx context.Context, key string, change func(annotation *entity.Annotation, exists bool)) (entity.Annotation, error) {
	return s.mutate(ctx, key, true, change)
}

func (s *Annotations) mutate(ctx context.Context, key string, create bool, change func(*entity.Annotation, bool)) (entity.Annotation, error) {
	s.updating.Lock()
	defer s.updating.Unlock()

	current, exists := s.Get(key)
	if !exists && !create {
		return entity.Annotation{}, fmt.Errorf("%w: %s", ErrUnknownAnnotation, key)
	}
	change(&current, exists)
	if current.Key() != key {
		return entity.Annotation{}, fmt.Errorf("%w: annotation key %s cannot become %s", entity.ErrInvalidPayload, key, current.Key())
	}
	if err := current.Validate(); err != nil {
		return entity.Annotation{}, err
	}
	if exists {
		if err := s.applyUpdate(ctx, current); err != nil {
			return entity.Annotation{}, err
		}
	} else {
		s.applyCreate(ctx, current)
	}
	saved, _ := s.Get(key)
	return saved, nil
}

// applyCreate and applyUpdate run with s.updating held, so memory, storage and outbox see
// mutations in the same order.
func (s *Annotations) applyCreate(ctx context.Context, annotation entity.Annotation) {
	s.mu.Lock()
	s.annotations = append(s.annotations, annotation.Clone())
	entity.SortAndLabel(s.annotations)
	s.touchMarkersLocked()
	keys := s.keysLocked()
	s.mu.Unlock()

	s.write(ctx, annotation.Key(), annotation.Data())
	s.writeIndex(ctx, keys)
	s.recordChange(ctx, entity.ActionSave, annotation.Key())
	s.publish(annotation.Key())
}

func (s *Annotations) applyUpdate(ctx context.Context, annotation entity.Annotation) error {
	key := annotation.Key()
	s.mu.Lock()
	index := s.indexLocked(key)
	if index < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAnnotation, key)
	}
	if s.annotations[index].Signature() == annotation.Signature() {
		s.mu.Unlock()
		return nil
	}
	s.annotations[index] = annotation.Clone()
	entity.SortAndLabel(s.annotations)
	s.touchMarkersLocked()
	s.mu.Unlock()

	s.write(ctx, key, annotation.Data())
	s.recordChange(ctx, entity.ActionSave, key)
	s.publish(key)
	return nil
}

// DeleteAnnotation removes an annotation. A selected annotation is deselected first.
func (s *Annotations) DeleteAnnotation(ctx context.Context, key string) error {
	s.updating.Lock()
	defer s.updating.Unlock()

	s.mu.Lock()
	index := s.indexLocked(key)
	if index < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAnnotation, key)
	}
	deselected := s.selectedKey == key
	if deselected {
		s.selectedKey = ""
		s.selectionChange = s.nextStampLocked(s.selectionChange)
	}
	s.annotations = append(s.annotations[:index], s.annotations[index+1:]...)
	entity.SortAndLabel(s.annotations)
	s.touchMarkersLocked()
	if deselected {
		s.markerAfterSelectionLocked()
	}
	keys := s.keysLocked()
	s.mu.Unlock()

	s.remove(ctx, key)
	s.writeIndex(ctx, keys)
	s.recordChange(ctx, entity.ActionDelete, key)
	s.publish(key)
	return nil
}

// SelectAnnotation selects the annotation with the given key. An empty key clears the selection.
func (s *Annotations) SelectAnnotation(key string) error {
	s.mu.Lock()
	if key != "" && s.indexLocked(key) < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAnnotation, key)
	}
	if s.selectedKey == key {
		s.mu.Unlock()
		return nil
	}
	s.selectedKey = key
	s.selectionChange = s.nextStampLocked(s.selectionChange)
	s.mu.Unlock()
	s.publish(key)
	return nil
}

// SaveAnnotationsForResource replaces the annotations of one resource. Removed annotations are
// recorded as deletions, new and modified ones as saves.
func (s *Annotations) SaveAnnotationsForResource(ctx context.Context, resourceKey string, annotations []entity.Annotation) error {
	incoming := make(map[string]entity.Annotation, len(annotations))
	for _, annotation := range annotations {
		if annotation.ResourceKey != resourceKey {
			return fmt.Errorf("%w: annotation %s belongs to resource %s", entity.ErrInvalidPayload, annotation.MarkKey, annotation.ResourceKey)
		}
		if err := annotation.Validate(); err != nil {
			return err
		}
		incoming[annotation.Key()] = annotation.Clone()
	}

	s.updating.Lock()
	defer s.updating.Unlock()

	s.mu.Lock()
	kept := make([]entity.Annotation, 0, len(s.annotations)+len(incoming))
	var saved, deleted []string
	existing := make(map[string]entity.Annotation)
	for _, annotation := range s.annotations {
		if annotation.ResourceKey != resourceKey {
			kept = append(kept, annotation)
			continue
		}
		existing[annotation.Key()] = annotation
		if _, stays := incoming[annotation.Key()]; !stays {
			deleted = append(deleted, annotation.Key())
		}
	}
	for key, annotation := range incoming {
		kept = append(kept, annotation)
		if previous, ok := existing[key]; !ok || previous.Signature() != annotation.Signature() {
			saved = append(saved, key)
		}
	}
	entity.SortAndLabel(kept)
	s.annotations = kept
	deselected := false
	for _, key := range deleted {
		if key == s.selectedKey {
			s.selectedKey = ""
			s.selectionChange = s.nextStampLocked(s.selectionChange)
			deselected = true
		}
	}
	if len(saved)+len(deleted) > 0 {
		s.touchMarkersLocked()
	}
	if deselected {
		s.markerAfterSelectionLocked()
	}
	keys := s.keysLocked()
	s.mu.Unlock()

	for _, key := range deleted {
		s.remove(ctx, key)
		s.recordChange(ctx, entity.ActionDelete, key)
	}
	for _, key := range saved {
		s.write(ctx, key, incoming[key].Data())
		s.recordChange(ctx, entity.ActionSave, key)
	}
	s.writeIndex(ctx, keys)
	s.publish(append(saved, deleted...)...)
	return nil
}

// All returns a copy of all annotations in sort order.
func (s *Annotations) All() []entity.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]entity.Annotation, 0, len(s.annotations))
	for _, annotation := range s.annotations {
		result = append(result, annotation.Clone())
	}
	return result
}

// ForResource returns the annotations of one resource in sort order.
func (s *Annotations) ForResource(resourceKey string) []entity.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]entity.Annotation, 0)
	for _, annotation := range s.annotations {
		if annotation.ResourceKey == resourceKey {
			result = append(result, annotation.Clone())
		}
	}
	return result
}

// Get returns the annotation with the given key.
func (s *Annotations) Get(key string) (entity.Annotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.indexLocked(key)
	if index < 0 {
		return entity.Annotation{}, false
	}
	return s.annotations[index].Clone(), true
}

// SelectedKey returns the key of the selected annotation or an empty string.
func (s *Annotations) SelectedKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedKey
}

// MarkerChange returns the time of the last change affecting the rendered marks.
func (s *Annotations) MarkerChange() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markerChange
}

// SelectionChange returns the time of the last selection change.
func (s *Annotations) SelectionChange() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectionChange
}

// GetChangedData returns the pending annotation changes up to sendingTime with their stored payloads.
// Deletions carry no payload.
func (s *Annotations) GetChangedData(ctx context.Context, sendingTime int64) []ChangePayload {
	pending := s.outbox.ChangesFor(entity.ChangeTypeAnnotations, sendingTime)
	result := make([]ChangePayload, 0, len(pending))
	for _, change := range pending {
		payload := s.readPayload(ctx, change.Key)
		if change.Action == entity.ActionDelete {
			payload = nil
		}
		result = append(result, newChangePayload(change, payload, s.clock))
	}
	return result
}

func (s *Annotations) recordChange(ctx context.Context, action entity.ChangeAction, key string) {
	change := entity.NewChange(entity.ChangeTypeAnnotations, action, key, s.clock.NowMs())
	if err := s.outbox.SetChange(ctx, change); err != nil {
		s.logError("record_change", "set_change_failed", err, zap.String("key", key))
	}
}

func (s *Annotations) indexLocked(key string) int {
	for index, annotation := range s.annotations {
		if annotation.Key() == key {
			return index
		}
	}
	return -1
}

func (s *Annotations) keysLocked() []string {
	keys := make([]string, 0, len(s.annotations))
	for _, annotation := range s.annotations {
		keys = append(keys, annotation.Key())
	}
	return keys
}

func (s *Annotations) touchMarkersLocked() {
	s.markerChange = s.nextStampLocked(s.markerChange)
}

// markerAfterSelectionLocked orders the marker change after a selection change made by the
// same mutation.
func (s *Annotations) markerAfterSelectionLocked() {
	if s.markerChange <= s.selectionChange {
		s.markerChange = s.selectionChange + 1
	}
}

// nextStampLocked returns the current time, or previous+1 when the clock did not advance.
func (s *Annotations) nextStampLocked(previous int64) int64 {
	now := s.clock.NowMs()
	if now <= previous {
		return previous + 1
	}
	return now
}
