package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/stores"
)

type annotationPayload struct {
	Key           string          `json:"key"`
	ResourceKey   string          `json:"resource_key"`
	MarkKey       string          `json:"mark_key"`
	MarkValue     json.RawMessage `json:"mark_value"`
	ParentNumber  int             `json:"parent_number"`
	StartPosition int             `json:"start_position"`
	EndPosition   int             `json:"end_position"`
	Comment       string          `json:"comment"`
	Label         string          `json:"label"`
}

type annotationsResponse struct {
	Annotations     []annotationPayload `json:"annotations"`
	SelectedKey     string              `json:"selected_key"`
	MarkerChange    int64               `json:"marker_change"`
	SelectionChange int64               `json:"selection_change"`
}

type annotationCreateRequest struct {
	ResourceKey   string          `json:"resource_key" binding:"required"`
	MarkKey       string          `json:"mark_key" binding:"required"`
	MarkValue     json.RawMessage `json:"mark_value"`
	ParentNumber  int             `json:"parent_number" binding:"gte=0"`
	StartPosition int             `json:"start_position"`
	EndPosition   int             `json:"end_position"`
	Comment       string          `json:"comment"`
}

// annotationUpdateRequest changes only the fields present in the request.
type annotationUpdateRequest struct {
	MarkValue     json.RawMessage `json:"mark_value"`
	ParentNumber  *int            `json:"parent_number" binding:"omitempty,gte=0"`
	StartPosition *int            `json:"start_position"`
	EndPosition   *int            `json:"end_position"`
	Comment       *string         `json:"comment"`
}

type annotationSelectRequest struct {
	// Key is the annotation key; an empty key clears the selection.
	Key string `json:"key"`
}

func newAnnotationPayload(annotation entity.Annotation) annotationPayload {
	return annotationPayload{
		Key:           annotation.Key(),
		ResourceKey:   annotation.ResourceKey,
		MarkKey:       annotation.MarkKey,
		MarkValue:     annotation.MarkValue,
		ParentNumber:  annotation.ParentNumber,
		StartPosition: annotation.StartPosition,
		EndPosition:   annotation.EndPosition,
		Comment:       annotation.Comment,
		Label:         annotation.Label,
	}
}

func (h *httpHandler) handleAnnotations(c *gin.Context) {
	annotations := h.stores.Annotations
	var list []entity.Annotation
	if resourceKey := c.Query("resource"); resourceKey != "" {
		list = annotations.ForResource(resourceKey)
	} else {
		list = annotations.All()
	}
	payloads := make([]annotationPayload, 0, len(list))
	for _, annotation := range list {
		payloads = append(payloads, newAnnotationPayload(annotation))
	}
	c.JSON(http.StatusOK, annotationsResponse{
		Annotations:     payloads,
		SelectedKey:     annotations.SelectedKey(),
		MarkerChange:    annotations.MarkerChange(),
		SelectionChange: annotations.SelectionChange(),
	})
}

func (h *httpHandler) handleAnnotationCreate(c *gin.Context) {
	var request annotationCreateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	annotation := entity.Annotation{
		ResourceKey:   request.ResourceKey,
		MarkKey:       request.MarkKey,
		MarkValue:     request.MarkValue,
		ParentNumber:  request.ParentNumber,
		StartPosition: request.StartPosition,
		EndPosition:   request.EndPosition,
		Comment:       request.Comment,
	}
	if err := h.stores.Annotations.CreateAnnotation(c.Request.Context(), annotation); err != nil {
		h.respondAnnotationError(c, "create", err)
		return
	}
	h.respondAnnotation(c, http.StatusCreated, annotation.Key())
}

func (h *httpHandler) handleAnnotationUpdate(c *gin.Context) {
	var request annotationUpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	key := entity.AnnotationKey(c.Param("resource"), c.Param("mark"))
	annotation, err := h.stores.Annotations.Modify(c.Request.Context(), key, func(annotation *entity.Annotation) {
		if len(request.MarkValue) > 0 {
			annotation.MarkValue = request.MarkValue
		}
		if request.ParentNumber != nil {
			annotation.ParentNumber = *request.ParentNumber
		}
		if request.StartPosition != nil {
			annotation.StartPosition = *request.StartPosition
		}
		if request.EndPosition != nil {
			annotation.EndPosition = *request.EndPosition
		}
		if request.Comment != nil {
			annotation.Comment = *request.Comment
		}
	})
	if err != nil {
		h.respondAnnotationError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, newAnnotationPayload(annotation))
}

func (h *httpHandler) handleAnnotationDelete(c *gin.Context) {
	key := entity.AnnotationKey(c.Param("resource"), c.Param("mark"))
	if err := h.stores.Annotations.DeleteAnnotation(c.Request.Context(), key); err != nil {
		h.respondAnnotationError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAnnotationSelect selects an annotation in the writing UI and in the open viewers of its
// resource.
func (h *httpHandler) handleAnnotationSelect(c *gin.Context) {
	var request annotationSelectRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := h.stores.Annotations.SelectAnnotation(request.Key); err != nil {
		h.respondAnnotationError(c, "select", err)
		return
	}
	if annotation, ok := h.stores.Annotations.Get(request.Key); ok {
		h.viewers.selectAnnotation(c.Request.Context(), annotation.ResourceKey, request.Key)
	}
	c.JSON(http.StatusOK, gin.H{"selected_key": h.stores.Annotations.SelectedKey()})
}

func (h *httpHandler) respondAnnotation(c *gin.Context, status int, key string) {
	annotation, ok := h.stores.Annotations.Get(key)
	if !ok {
		respondError(c, http.StatusNotFound, "annotation_not_found")
		return
	}
	c.JSON(status, newAnnotationPayload(annotation))
}

func (h *httpHandler) respondAnnotationError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, stores.ErrUnknownAnnotation):
		respondError(c, http.StatusNotFound, "annotation_not_found")
	case errors.Is(err, entity.ErrInvalidPayload):
		respondError(c, http.StatusBadRequest, "invalid_annotation")
	default:
		h.logger.Error("annotation request failed",
			zap.String("operation", "server.annotation_"+operation),
			zap.Error(err))
		respondError(c, http.StatusInternalServerError, operation+"_failed")
	}
}
