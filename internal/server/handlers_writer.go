package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/stores"
)

const (
	zoomTargetInstructions = "instructions"
	zoomTargetEditor       = "editor"
	zoomDirectionIn        = "in"
)

type taskResponse struct {
	Task              entity.Task     `json:"task"`
	Settings          entity.Settings `json:"settings"`
	RemainingTime     int64           `json:"remaining_time"`
	HasRemainingTime  bool            `json:"has_remaining_time"`
	WritingEndReached bool            `json:"writing_end_reached"`
	Excluded          bool            `json:"excluded"`
}

type resourcesResponse struct {
	Resources []entity.Resource `json:"resources"`
	ActiveKey string            `json:"active_key"`
}

type alertsResponse struct {
	Alerts        []entity.Alert `json:"alerts"`
	ActiveKey     string         `json:"active_key"`
	ActiveMessage string         `json:"active_message"`
}

type notesResponse struct {
	Notes     []entity.Note `json:"notes"`
	ActiveKey string        `json:"active_key"`
}

type keyRequest struct {
	Key string `json:"key" binding:"required"`
}

type noteEditRequest struct {
	Text *string `json:"text" binding:"required"`
}

type preferencesRequest struct {
	InstructionsZoom float64 `json:"instructions_zoom" binding:"gt=0"`
	EditorZoom       float64 `json:"editor_zoom" binding:"gt=0"`
}

type zoomRequest struct {
	Target    string `json:"target" binding:"required,oneof=instructions editor"`
	Direction string `json:"direction" binding:"required,oneof=in out"`
}

type essayRequest struct {
	Content *string `json:"content" binding:"required"`
}

type essayResponse struct {
	Saved bool   `json:"saved"`
	Hash  string `json:"hash"`
	// Distance is the edit distance of the saved writing step.
	Distance int `json:"distance"`
}

func (h *httpHandler) handleTask(c *gin.Context) {
	task := h.stores.Task
	remaining, hasRemaining := task.RemainingTime()
	c.JSON(http.StatusOK, taskResponse{
		Task:              task.Current(),
		Settings:          h.stores.Settings.Current(),
		RemainingTime:     remaining,
		HasRemainingTime:  hasRemaining,
		WritingEndReached: task.WritingEndReached(),
		Excluded:          task.IsExcluded(),
	})
}

func (h *httpHandler) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, resourcesResponse{
		Resources: h.stores.Resources.All(),
		ActiveKey: h.stores.Resources.ActiveKey(),
	})
}

func (h *httpHandler) handleResourceSelect(c *gin.Context) {
	var request keyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := h.stores.Resources.SelectResource(c.Request.Context(), request.Key); err != nil {
		if errors.Is(err, stores.ErrUnknownResource) {
			respondError(c, http.StatusNotFound, "resource_not_found")
			return
		}
		respondError(c, http.StatusInternalServerError, "select_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_key": request.Key})
}

func (h *httpHandler) handleAlerts(c *gin.Context) {
	alerts := h.stores.Alerts
	c.JSON(http.StatusOK, alertsResponse{
		Alerts:        alerts.All(),
		ActiveKey:     alerts.ActiveKey(),
		ActiveMessage: alerts.ActiveMessage(),
	})
}

func (h *httpHandler) handleAlertHide(c *gin.Context) {
	h.stores.Alerts.HideAlert()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleNotes(c *gin.Context) {
	c.JSON(http.StatusOK, notesResponse{
		Notes:     h.stores.Notes.All(),
		ActiveKey: h.stores.Notes.ActiveKey(),
	})
}

// handleNoteEdit changes the edit copy of a note. The notes watcher persists it on its next
// poll, so the request is only accepted here.
func (h *httpHandler) handleNoteEdit(c *gin.Context) {
	noteNo, err := strconv.Atoi(c.Param("no"))
	if err != nil || noteNo < 0 {
		respondError(c, http.StatusBadRequest, "invalid_note")
		return
	}
	var request noteEditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if h.writingClosed() {
		respondError(c, http.StatusConflict, "writing_ended")
		return
	}
	if err := h.stores.Notes.SetEditText(noteNo, *request.Text); err != nil {
		if errors.Is(err, stores.ErrUnknownNote) {
			respondError(c, http.StatusNotFound, "note_not_found")
			return
		}
		respondError(c, http.StatusInternalServerError, "edit_failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"note_key": entity.NoteKey(noteNo)})
}

func (h *httpHandler) handleNoteSelect(c *gin.Context) {
	var request keyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := h.stores.Notes.SetActiveKey(request.Key); err != nil {
		respondError(c, http.StatusNotFound, "note_not_found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_key": request.Key})
}

func (h *httpHandler) handlePreferences(c *gin.Context) {
	c.JSON(http.StatusOK, h.stores.Preferences.Current())
}

func (h *httpHandler) handlePreferencesUpdate(c *gin.Context) {
	var request preferencesRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	h.stores.Preferences.Update(c.Request.Context(), entity.Preferences{
		InstructionsZoom: request.InstructionsZoom,
		EditorZoom:       request.EditorZoom,
	})
	c.JSON(http.StatusOK, h.stores.Preferences.Current())
}

func (h *httpHandler) handlePreferencesZoom(c *gin.Context) {
	var request zoomRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	ctx := c.Request.Context()
	preferences := h.stores.Preferences
	zoomIn := request.Direction == zoomDirectionIn
	switch {
	case request.Target == zoomTargetInstructions && zoomIn:
		preferences.ZoomInstructionsIn(ctx)
	case request.Target == zoomTargetInstructions:
		preferences.ZoomInstructionsOut(ctx)
	case request.Target == zoomTargetEditor && zoomIn:
		preferences.ZoomEditorIn(ctx)
	default:
		preferences.ZoomEditorOut(ctx)
	}
	c.JSON(http.StatusOK, preferences.Current())
}

func (h *httpHandler) handleEssayUpdate(c *gin.Context) {
	var request essayRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if h.writingClosed() {
		respondError(c, http.StatusConflict, "writing_ended")
		return
	}
	step, saved := h.stores.Essay.UpdateContent(c.Request.Context(), *request.Content)
	c.JSON(http.StatusOK, essayResponse{
		Saved:    saved,
		Hash:     h.stores.Essay.StoredHash(),
		Distance: step.Distance,
	})
}

func (h *httpHandler) writingClosed() bool {
	return h.stores.Task.WritingEndReached() || h.stores.Task.IsExcluded()
}
