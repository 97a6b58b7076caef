package stores

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/entity"
)

// Alerts keeps the messages sent to the writer, newest first.
type Alerts struct {
	base

	mu        sync.Mutex
	keys      []string
	alerts    []entity.Alert
	activeKey string
}

// ClearStorage removes the persisted alerts.
func (s *Alerts) ClearStorage(ctx context.Context) {
	s.clear(ctx)
}

// LoadFromStorage restores the persisted alerts.
func (s *Alerts) LoadFromStorage(ctx context.Context) {
	keys := s.readIndex(ctx)
	alerts := make([]entity.Alert, 0, len(keys))
	for _, key := range keys {
		payload := s.readPayload(ctx, key)
		if payload == nil {
			continue
		}
		alert, err := entity.DecodeAlert(payload)
		if err != nil {
			s.logError("load_from_storage", "decode_failed", err, zap.String("key", key))
			continue
		}
		alerts = append(alerts, alert)
	}
	slices.Reverse(alerts)

	s.mu.Lock()
	s.keys = keys
	s.alerts = alerts
	s.mu.Unlock()
	s.publish()
}

// LoadFromData replaces the alerts. With showNew an alert not known before becomes the active one.
func (s *Alerts) LoadFromData(ctx context.Context, alerts []entity.Alert, showNew bool) {
	s.clear(ctx)

	s.mu.Lock()
	keys := make([]string, 0, len(alerts))
	ordered := make([]entity.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if showNew && !slices.Contains(s.keys, alert.Key) {
			s.activeKey = alert.Key
		}
		keys = append(keys, alert.Key)
		ordered = append(ordered, alert)
	}
	slices.Reverse(ordered)
	s.keys = keys
	s.alerts = ordered
	s.mu.Unlock()

	for _, alert := range alerts {
		s.write(ctx, alert.Key, alert)
	}
	s.writeIndex(ctx, keys)
	s.publish(keys...)
}

// All returns the alerts, newest first.
func (s *Alerts) All() []entity.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.Alert(nil), s.alerts...)
}

// ActiveKey returns the key of the alert currently shown, or an empty string.
func (s *Alerts) ActiveKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeKey
}

// ActiveMessage returns the message of the alert currently shown.
func (s *Alerts) ActiveMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, alert := range s.alerts {
		if alert.Key == s.activeKey {
			return alert.Message
		}
	}
	return ""
}

// HideAlert stops showing the active alert.
func (s *Alerts) HideAlert() {
	s.mu.Lock()
	s.activeKey = ""
	s.mu.Unlock()
	s.publish()
}
