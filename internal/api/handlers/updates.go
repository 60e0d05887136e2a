package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/rollout"
)

type TriggerUpdateRequest struct {
	Image       string `json:"image" binding:"required"`
	ForceUpdate bool   `json:"force_update"`
}

// TriggerUpdate runs a rolling update synchronously and returns the full
// per-tenant outcome. Partial failure is a 200 with success=false, not an
// error: the caller retries just the failed subset.
func (h *Handler) TriggerUpdate(c *gin.Context) {
	var req TriggerUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.coordinator.Apply(c.Request.Context(), req.Image, req.ForceUpdate)
	if err != nil {
		if errors.Is(err, rollout.ErrUpdateInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "a rolling update is already in progress"})
			return
		}
		h.logger.Error("rolling update failed to start", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, result)
}
