package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/essaysync"
)

const (
	confirmActionReplace = "replace"
	confirmActionReload  = "reload"
)

type launchRequest struct {
	BackendURL     string `json:"backend_url" binding:"omitempty,url"`
	ReturnURL      string `json:"return_url" binding:"omitempty,url"`
	UserKey        string `json:"user_key"`
	EnvironmentKey string `json:"environment_key"`
	DataToken      string `json:"data_token"`
	Hash           string `json:"hash"`
}

type launchResponse struct {
	Outcome essaysync.InitOutcome `json:"outcome"`
	Status  essaysync.Status      `json:"status"`
}

type confirmRequest struct {
	Action string `json:"action" binding:"required,oneof=replace reload"`
}

type finalizeRequest struct {
	Authorize bool `json:"authorize"`
}

type statusFailure struct {
	Error  string           `json:"error"`
	Status essaysync.Status `json:"status"`
}

func (h *httpHandler) handleLaunch(c *gin.Context) {
	var request launchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	outcome := h.orchestrator.Init(c.Request.Context(), essaysync.Launch{
		BackendURL:     request.BackendURL,
		ReturnURL:      request.ReturnURL,
		UserKey:        request.UserKey,
		EnvironmentKey: request.EnvironmentKey,
		DataToken:      request.DataToken,
		Hash:           request.Hash,
	})
	status := http.StatusOK
	switch outcome {
	case essaysync.OutcomeInitFailure:
		status = http.StatusUnprocessableEntity
	case essaysync.OutcomeLoadFromBackend, essaysync.OutcomeLoadFromStorage:
		h.viewers.reloadAll(c.Request.Context())
	}
	h.logger.Info("writer launched",
		zap.String("outcome", string(outcome)),
		zap.String("subject", c.GetString(subjectContextKey)))
	c.JSON(status, launchResponse{Outcome: outcome, Status: h.orchestrator.Status()})
}

func (h *httpHandler) handleLaunchConfirm(c *gin.Context) {
	var request confirmRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	var confirmed bool
	switch request.Action {
	case confirmActionReplace:
		confirmed = h.orchestrator.ConfirmReplace(c.Request.Context())
	case confirmActionReload:
		confirmed = h.orchestrator.ConfirmReload(c.Request.Context())
	}
	if !confirmed {
		c.JSON(http.StatusConflict, statusFailure{Error: "confirmation_failed", Status: h.orchestrator.Status()})
		return
	}
	h.viewers.reloadAll(c.Request.Context())
	c.JSON(http.StatusOK, h.orchestrator.Status())
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Status())
}

func (h *httpHandler) handleSync(c *gin.Context) {
	if !h.orchestrator.SaveChangesToBackend(c.Request.Context(), true) {
		c.JSON(http.StatusBadGateway, statusFailure{Error: "sync_failed", Status: h.orchestrator.Status()})
		return
	}
	c.JSON(http.StatusOK, h.orchestrator.Status())
}

func (h *httpHandler) handleFinalize(c *gin.Context) {
	var request finalizeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request")
			return
		}
	}
	if !h.orchestrator.Finalize(c.Request.Context(), request.Authorize) {
		c.JSON(http.StatusBadGateway, statusFailure{Error: "finalize_failed", Status: h.orchestrator.Status()})
		return
	}
	c.JSON(http.StatusOK, h.orchestrator.Status())
}

func (h *httpHandler) handleRetry(c *gin.Context) {
	if !h.orchestrator.Retry(c.Request.Context()) {
		c.JSON(http.StatusBadGateway, statusFailure{Error: "retry_failed", Status: h.orchestrator.Status()})
		return
	}
	c.JSON(http.StatusOK, h.orchestrator.Status())
}
