// Package server exposes the local HTTP API used by the writing UI and the embedded viewers.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/auth"
	"github.com/longessay/writer-agent/internal/essaysync"
	"github.com/longessay/writer-agent/internal/stores"
)

const (
	subjectContextKey        = "writer_subject"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingOrchestrator = errors.New("orchestrator dependency required")
	errMissingStores       = errors.New("stores dependency required")
	errMissingValidator    = errors.New("session validator dependency required")
)

// Orchestrator is the part of the sync orchestrator driven by the local API.
type Orchestrator interface {
	Init(ctx context.Context, launch essaysync.Launch) essaysync.InitOutcome
	ConfirmReplace(ctx context.Context) bool
	ConfirmReload(ctx context.Context) bool
	SaveChangesToBackend(ctx context.Context, wait bool) bool
	Finalize(ctx context.Context, authorize bool) bool
	Retry(ctx context.Context) bool
	Status() essaysync.Status
}

// SessionValidator validates the session token of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Orchestrator Orchestrator
	Stores       *stores.Set
	Validator    SessionValidator
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
	// AllowedOrigins lists the browser origins of the writing UI. Loopback origins are
	// allowed when empty.
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router of the local API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}
	if deps.Stores == nil {
		return nil, errMissingStores
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		orchestrator:      deps.Orchestrator,
		stores:            deps.Stores,
		validator:         deps.Validator,
		realtime:          realtime,
		viewers:           newViewerHub(logger),
		viewerOrigins:     viewerOriginPatterns(deps.AllowedOrigins),
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/launch", handler.handleLaunch)
	protected.POST("/launch/confirm", handler.handleLaunchConfirm)
	protected.GET("/status", handler.handleStatus)
	protected.POST("/sync", handler.handleSync)
	protected.POST("/finalize", handler.handleFinalize)
	protected.POST("/retry", handler.handleRetry)

	protected.GET("/task", handler.handleTask)
	protected.GET("/resources", handler.handleResources)
	protected.POST("/resources/select", handler.handleResourceSelect)
	protected.GET("/alerts", handler.handleAlerts)
	protected.POST("/alerts/hide", handler.handleAlertHide)

	protected.GET("/notes", handler.handleNotes)
	protected.PUT("/notes/:no", handler.handleNoteEdit)
	protected.POST("/notes/select", handler.handleNoteSelect)
	protected.GET("/preferences", handler.handlePreferences)
	protected.PUT("/preferences", handler.handlePreferencesUpdate)
	protected.POST("/preferences/zoom", handler.handlePreferencesZoom)
	protected.PUT("/essay", handler.handleEssayUpdate)

	protected.GET("/annotations", handler.handleAnnotations)
	protected.POST("/annotations", handler.handleAnnotationCreate)
	protected.POST("/annotations/select", handler.handleAnnotationSelect)
	protected.PUT("/annotations/:resource/:mark", handler.handleAnnotationUpdate)
	protected.DELETE("/annotations/:resource/:mark", handler.handleAnnotationDelete)

	protected.GET("/events", handler.handleEvents)
	protected.GET("/viewer/:resource/ws", handler.handleViewer)

	return router, nil
}

type httpHandler struct {
	orchestrator      Orchestrator
	stores            *stores.Set
	validator         SessionValidator
	realtime          *RealtimeDispatcher
	viewers           *viewerHub
	viewerOrigins     []string
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
	} else {
		config.AllowOriginFunc = isLoopbackOrigin
	}
	return cors.New(config)
}

func isLoopbackOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// viewerOriginPatterns converts the allowed origins into websocket host patterns.
func viewerOriginPatterns(allowedOrigins []string) []string {
	if len(allowedOrigins) == 0 {
		return []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"}
	}
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			continue
		}
		patterns = append(patterns, parsed.Host)
	}
	return patterns
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}

func respondError(c *gin.Context, status int, code string) {
	c.JSON(status, gin.H{"error": code})
}
