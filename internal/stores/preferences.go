package stores

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/changes"
	"github.com/longessay/writer-agent/internal/clock"
	"github.com/longessay/writer-agent/internal/entity"
)

// PreferencesKey is the fixed storage and change key of the preferences.
const PreferencesKey = "preferences"

const (
	zoomInFactor  = 1.1
	zoomOutFactor = 0.9
)

// Preferences keeps the writer's presentation choices.
type Preferences struct {
	base
	outbox *changes.Outbox
	clock  *clock.ServerClock

	// updating keeps storage and outbox writes in memory order.
	updating    sync.Mutex
	mu          sync.Mutex
	preferences entity.Preferences
}

// ClearStorage removes the persisted preferences and restores the defaults.
func (s *Preferences) ClearStorage(ctx context.Context) {
	s.updating.Lock()
	defer s.updating.Unlock()
	s.clear(ctx)
	s.mu.Lock()
	s.preferences = entity.DefaultPreferences()
	s.mu.Unlock()
	s.publish()
}

// LoadFromStorage restores the persisted preferences.
func (s *Preferences) LoadFromStorage(ctx context.Context) {
	payload := s.readPayload(ctx, PreferencesKey)
	if payload == nil {
		return
	}
	preferences, err := entity.DecodePreferences(payload)
	if err != nil {
		s.logError("load_from_storage", "decode_failed", err)
		return
	}
	s.mu.Lock()
	s.preferences = preferences
	s.mu.Unlock()
	s.publish(PreferencesKey)
}

// LoadFromData applies preferences delivered by the backend without recording a change.
func (s *Preferences) LoadFromData(ctx context.Context, preferences entity.Preferences) {
	s.updating.Lock()
	defer s.updating.Unlock()
	s.mu.Lock()
	s.preferences = preferences
	s.mu.Unlock()
	s.write(ctx, PreferencesKey, preferences.Data())
	s.publish(PreferencesKey)
}

// Current returns the current preferences.
func (s *Preferences) Current() entity.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferences
}

// Update stores new preferences and records a change under the fixed key.
func (s *Preferences) Update(ctx context.Context, preferences entity.Preferences) {
	s.modify(ctx, func(p *entity.Preferences) { *p = preferences })
}

// ZoomInstructionsIn enlarges the instructions.
func (s *Preferences) ZoomInstructionsIn(ctx context.Context) {
	s.modify(ctx, func(p *entity.Preferences) { p.InstructionsZoom *= zoomInFactor })
}

// ZoomInstructionsOut shrinks the instructions.
func (s *Preferences) ZoomInstructionsOut(ctx context.Context) {
	s.modify(ctx, func(p *entity.Preferences) { p.InstructionsZoom *= zoomOutFactor })
}

// ZoomEditorIn enlarges the editors.
func (s *Preferences) ZoomEditorIn(ctx context.Context) {
	s.modify(ctx, func(p *entity.Preferences) { p.EditorZoom *= zoomInFactor })
}

// ZoomEditorOut shrinks the editors.
func (s *Preferences) ZoomEditorOut(ctx context.Context) {
	s.modify(ctx, func(p *entity.Preferences) { p.EditorZoom *= zoomOutFactor })
}

func (s *Preferences) modify(ctx context.Context, apply func(*entity.Preferences)) {
	s.updating.Lock()
	defer s.updating.Unlock()
	s.mu.Lock()
	apply(&s.preferences)
	current := s.preferences
	s.mu.Unlock()
	s.save(ctx, current)
}

// save runs with s.updating held.
func (s *Preferences) save(ctx context.Context, current entity.Preferences) {
	s.write(ctx, PreferencesKey, current.Data())
	change := entity.NewChange(entity.ChangeTypePreferences, entity.ActionSave, PreferencesKey, s.clock.NowMs())
	if err := s.outbox.SetChange(ctx, change); err != nil {
		s.logError("save", "set_change_failed", err, zap.String("key", PreferencesKey))
	}
	s.publish(PreferencesKey)
}

// GetChangedData returns the pending preferences change up to sendingTime with the current preferences.
func (s *Preferences) GetChangedData(_ context.Context, sendingTime int64) []ChangePayload {
	pending := s.outbox.ChangesFor(entity.ChangeTypePreferences, sendingTime)
	result := make([]ChangePayload, 0, len(pending))
	if len(pending) == 0 {
		return result
	}
	payload, err := json.Marshal(s.Current().Data())
	if err != nil {
		s.logError("get_changed_data", "encode_failed", err)
		payload = nil
	}
	for _, change := range pending {
		result = append(result, newChangePayload(change, payload, s.clock))
	}
	return result
}
