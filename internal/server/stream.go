package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/bridge"
	"github.com/longessay/writer-agent/internal/essaysync"
	"github.com/longessay/writer-agent/internal/viewer"
)

type realtimeEventPayload struct {
	Store     string            `json:"store"`
	Keys      []string          `json:"keys,omitempty"`
	Timestamp string            `json:"timestamp"`
	Source    string            `json:"source"`
	Status    *essaysync.Status `json:"status,omitempty"`
}

// handleEvents streams store notifications as server-sent events. The sync state is sent on
// connect and with every sync notification.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(essaysync.StoreSync, h.eventPayload(RealtimeMessage{
		Store:     essaysync.StoreSync,
		Timestamp: time.Now().UTC(),
	}))
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.Store, h.eventPayload(message))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSource,
				"timestamp": tick.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}

func (h *httpHandler) eventPayload(message RealtimeMessage) realtimeEventPayload {
	payload := realtimeEventPayload{
		Store:     message.Store,
		Keys:      message.Keys,
		Timestamp: message.Timestamp.Format(time.RFC3339Nano),
		Source:    realtimeSource,
	}
	if message.Store == essaysync.StoreSync {
		status := h.orchestrator.Status()
		payload.Status = &status
	}
	return payload
}

// handleViewer connects an embedded viewer of a resource over the bridge websocket and relays
// its annotation entries until it disconnects.
func (h *httpHandler) handleViewer(c *gin.Context) {
	resourceKey := c.Param("resource")
	if _, ok := h.stores.Resources.Get(resourceKey); !ok {
		respondError(c, http.StatusNotFound, "resource_not_found")
		return
	}

	conn, err := bridge.Accept(c.Writer, c.Request, h.viewerOrigins)
	if err != nil {
		h.logger.Warn("viewer connection rejected",
			zap.String("operation", "server.viewer_accept"),
			zap.String("resource_key", resourceKey),
			zap.Error(err))
		return
	}

	relay, err := viewer.New(viewer.Config{
		Annotations: h.stores.Annotations,
		ResourceKey: resourceKey,
		Conn:        conn,
		Logger:      h.logger,
	})
	if err != nil {
		_ = conn.Close()
		h.logger.Error("viewer relay failed",
			zap.String("operation", "server.viewer_relay"),
			zap.Error(err))
		return
	}
	detach := h.viewers.attach(relay)
	defer detach()

	h.logger.Info("viewer connected",
		zap.String("viewer_session", relay.SessionID()),
		zap.String("resource_key", resourceKey))
	if err := relay.Run(c.Request.Context()); err != nil {
		h.logger.Warn("viewer session ended with error",
			zap.String("viewer_session", relay.SessionID()),
			zap.Error(err))
		return
	}
	h.logger.Info("viewer disconnected", zap.String("viewer_session", relay.SessionID()))
}
