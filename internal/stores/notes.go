package stores

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/changes"
	"github.com/longessay/writer-agent/internal/clock"
	"github.com/longessay/writer-agent/internal/entity"
)

// ErrUnknownNote indicates an edit of a notice board that does not exist.
var ErrUnknownNote = errors.New("stores: unknown note")

// Notes keeps the notice boards. Edits go to a separate edit copy that is compared with the
// stored copy on every poll; a difference is persisted and recorded as a change.
type Notes struct {
	base
	outbox       *changes.Outbox
	clock        *clock.ServerClock
	writingEnded func() bool
	pollInterval time.Duration

	mu        sync.Mutex
	updating  sync.Mutex
	keys      []string
	notes     map[string]entity.Note
	edits     map[string]entity.Note
	activeKey string
	lastCheck int64
}

// ClearStorage removes all persisted notes and resets the store.
func (s *Notes) ClearStorage(ctx context.Context) {
	s.clear(ctx)
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	s.publish()
}

func (s *Notes) resetLocked() {
	s.keys = []string{}
	s.notes = map[string]entity.Note{}
	s.edits = map[string]entity.Note{}
	s.activeKey = ""
	s.lastCheck = 0
}

// LoadFromStorage restores the notes persisted by an earlier session.
func (s *Notes) LoadFromStorage(ctx context.Context) {
	keys := s.readIndex(ctx)
	loaded := make(map[string]entity.Note, len(keys))
	for _, key := range keys {
		payload := s.readPayload(ctx, key)
		if payload == nil {
			continue
		}
		note, err := entity.DecodeNote(payload)
		if err != nil {
			s.logError("load_from_storage", "decode_failed", err, zap.String("key", key))
			continue
		}
		loaded[key] = note
	}

	s.mu.Lock()
	s.resetLocked()
	s.keys = keys
	for key, note := range loaded {
		s.notes[key] = note
		s.edits[key] = note
	}
	s.mu.Unlock()
	s.publish()
}

// LoadFromData replaces all notes with the notes delivered by the backend.
func (s *Notes) LoadFromData(ctx context.Context, notes []entity.Note) {
	s.clear(ctx)

	s.mu.Lock()
	s.resetLocked()
	for _, note := range notes {
		key := note.Key()
		if _, exists := s.notes[key]; !exists {
			s.keys = append(s.keys, key)
		}
		s.notes[key] = note
		s.edits[key] = note
	}
	keys := append([]string(nil), s.keys...)
	s.mu.Unlock()

	for _, note := range notes {
		s.write(ctx, note.Key(), note.Data())
	}
	s.writeIndex(ctx, keys)
	s.publish()
}

// PrepareNotes makes sure the notice boards 0..count-1 exist and that the active note is one of them.
func (s *Notes) PrepareNotes(ctx context.Context, count int) {
	s.mu.Lock()
	keys := make([]string, 0, count)
	created := make([]entity.Note, 0)
	activeKeyIsValid := false
	for noteNo := 0; noteNo < count; noteNo++ {
		key := entity.NoteKey(noteNo)
		keys = append(keys, key)
		if key == s.activeKey {
			activeKeyIsValid = true
		}
		if _, exists := s.notes[key]; !exists {
			note := entity.Note{NoteNo: noteNo}
			s.notes[key] = note
			s.edits[key] = note
			created = append(created, note)
		}
	}
	s.keys = keys
	if count > 0 && !activeKeyIsValid {
		s.activeKey = entity.NoteKey(0)
	}
	s.mu.Unlock()

	for _, note := range created {
		s.write(ctx, note.Key(), note.Data())
	}
	s.writeIndex(ctx, keys)
	s.publish()
}

// SetEditText changes the edit copy of a note. The change is picked up by the next UpdateContent.
func (s *Notes) SetEditText(noteNo int, text string) error {
	key := entity.NoteKey(noteNo)
	s.mu.Lock()
	defer s.mu.Unlock()

	edit, ok := s.edits[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNote, key)
	}
	edit.NoteText = text
	s.edits[key] = edit
	return nil
}

// UpdateContent persists every edit copy that differs from its stored copy and records a
// change for it. Calls within the poll interval and calls overlapping a running update are
// skipped unless force is set. Nothing is saved once the writing end is reached.
func (s *Notes) UpdateContent(ctx context.Context, force bool) {
	currentTime := s.clock.NowMs()

	s.mu.Lock()
	tooEarly := currentTime-s.lastCheck < s.pollInterval.Milliseconds()
	s.mu.Unlock()
	if tooEarly && !force {
		return
	}
	if force {
		s.updating.Lock()
	} else if !s.updating.TryLock() {
		return
	}
	defer s.updating.Unlock()

	if s.writingEnded != nil && s.writingEnded() {
		return
	}

	s.mu.Lock()
	pending := make([]entity.Note, 0)
	for key, edit := range s.edits {
		stored, ok := s.notes[key]
		if ok && edit.Equal(stored) {
			continue
		}
		edit.LastChange = s.clock.ServerTime(currentTime)
		s.edits[key] = edit
		s.notes[key] = edit
		pending = append(pending, edit)
	}
	s.lastCheck = currentTime
	s.mu.Unlock()

	savedKeys := make([]string, 0, len(pending))
	for _, note := range pending {
		s.write(ctx, note.Key(), note.Data())
		change := entity.NewChange(entity.ChangeTypeNotes, entity.ActionSave, note.Key(), s.clock.NowMs())
		if err := s.outbox.SetChange(ctx, change); err != nil {
			s.logError("update_content", "set_change_failed", err, zap.String("key", note.Key()))
			continue
		}
		savedKeys = append(savedKeys, note.Key())
	}
	if len(savedKeys) > 0 {
		s.logger.Debug("notes saved",
			zap.Strings("keys", savedKeys),
			zap.Int64("duration_ms", s.clock.NowMs()-currentTime))
		s.publish(savedKeys...)
	}
}

// Watch polls for note edits until the context is done.
func (s *Notes) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.UpdateContent(ctx, false)
		}
	}
}

// All returns the edit copies of all notes ordered by number.
func (s *Notes) All() []entity.Note {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]entity.Note, 0, len(s.edits))
	for _, note := range s.edits {
		result = append(result, note)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NoteNo < result[j].NoteNo })
	return result
}

// Stored returns the stored copy of a note.
func (s *Notes) Stored(noteNo int) (entity.Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[entity.NoteKey(noteNo)]
	return note, ok
}

// ActiveKey returns the key of the note shown to the writer.
func (s *Notes) ActiveKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeKey
}

// SetActiveKey selects the note shown to the writer.
func (s *Notes) SetActiveKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNote, key)
	}
	s.activeKey = key
	return nil
}

// GetChangedData returns the pending note changes up to sendingTime with their stored payloads.
func (s *Notes) GetChangedData(ctx context.Context, sendingTime int64) []ChangePayload {
	pending := s.outbox.ChangesFor(entity.ChangeTypeNotes, sendingTime)
	result := make([]ChangePayload, 0, len(pending))
	for _, change := range pending {
		result = append(result, newChangePayload(change, s.readPayload(ctx, change.Key), s.clock))
	}
	return result
}
