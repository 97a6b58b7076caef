package server

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/viewer"
)

// viewerHub tracks the connected viewer relays by resource.
type viewerHub struct {
	mu     sync.Mutex
	relays map[string]map[string]*viewer.Relay
	logger *zap.Logger
}

func newViewerHub(logger *zap.Logger) *viewerHub {
	return &viewerHub{
		relays: make(map[string]map[string]*viewer.Relay),
		logger: logger,
	}
}

func (h *viewerHub) attach(relay *viewer.Relay) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	resourceKey := relay.ResourceKey()
	if _, ok := h.relays[resourceKey]; !ok {
		h.relays[resourceKey] = make(map[string]*viewer.Relay)
	}
	h.relays[resourceKey][relay.SessionID()] = relay
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		sessions := h.relays[resourceKey]
		delete(sessions, relay.SessionID())
		if len(sessions) == 0 {
			delete(h.relays, resourceKey)
		}
	}
}

// reloadAll pushes the stored annotations to every ready viewer after the local data was replaced.
func (h *viewerHub) reloadAll(ctx context.Context) {
	for _, relay := range h.snapshot("") {
		if err := relay.Reload(ctx); err != nil && !errors.Is(err, viewer.ErrNotConnected) {
			h.logger.Warn("viewer reload failed",
				zap.String("operation", "server.viewer_reload"),
				zap.String("viewer_session", relay.SessionID()),
				zap.Error(err))
		}
	}
}

// snapshot returns the relays of the resource, or of all resources for an empty key.
func (h *viewerHub) snapshot(resourceKey string) []*viewer.Relay {
	h.mu.Lock()
	defer h.mu.Unlock()
	relays := make([]*viewer.Relay, 0)
	for key, sessions := range h.relays {
		if resourceKey != "" && key != resourceKey {
			continue
		}
		for _, relay := range sessions {
			relays = append(relays, relay)
		}
	}
	return relays
}

// selectAnnotation forwards a selection made in the writing UI to the viewers of the resource.
// Viewers that are not ready yet pick the selection up with their next setAll.
func (h *viewerHub) selectAnnotation(ctx context.Context, resourceKey, annotationKey string) {
	for _, relay := range h.snapshot(resourceKey) {
		if err := relay.Select(ctx, annotationKey); err != nil && !errors.Is(err, viewer.ErrNotConnected) {
			h.logger.Warn("viewer selection failed",
				zap.String("operation", "server.viewer_select"),
				zap.String("viewer_session", relay.SessionID()),
				zap.String("annotation_key", annotationKey),
				zap.Error(err))
		}
	}
}
