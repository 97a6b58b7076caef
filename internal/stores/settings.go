package stores

import (
	"context"
	"sync"

	"github.com/longessay/writer-agent/internal/entity"
)

const settingsKey = "settings"

// Settings keeps the editor settings of the task.
type Settings struct {
	base

	mu       sync.Mutex
	settings entity.Settings
}

// ClearStorage removes the persisted settings.
func (s *Settings) ClearStorage(ctx context.Context) {
	s.clear(ctx)
}

// LoadFromStorage restores the persisted settings.
func (s *Settings) LoadFromStorage(ctx context.Context) {
	payload := s.readPayload(ctx, settingsKey)
	if payload == nil {
		return
	}
	settings, err := entity.DecodeSettings(payload)
	if err != nil {
		s.logError("load_from_storage", "decode_failed", err)
		return
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.publish()
}

// LoadFromData replaces the settings with the ones delivered by the backend.
func (s *Settings) LoadFromData(ctx context.Context, settings entity.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.write(ctx, settingsKey, settings)
	s.publish()
}

// Current returns the settings.
func (s *Settings) Current() entity.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}
