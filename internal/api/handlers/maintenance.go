package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/db"
	"github.com/pressfleet/pressfleet/internal/rollout"
)

type ScheduleMaintenanceRequest struct {
	ScheduledAt    time.Time `json:"scheduled_at" binding:"required"`
	TargetImage    string    `json:"target_image" binding:"required"`
	ForceUpdate    bool      `json:"force_update"`
	AnnouncementID string    `json:"announcement_id"`
}

func (h *Handler) ScheduleMaintenance(c *gin.Context) {
	var req ScheduleMaintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !req.ScheduledAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_at must be in the future"})
		return
	}

	job := &db.MaintenanceJob{
		ID:          uuid.New().String(),
		ScheduledAt: req.ScheduledAt,
		TargetImage: req.TargetImage,
		ForceUpdate: req.ForceUpdate,
		Status:      db.JobStatusPending,
		CreatedAt:   time.Now(),
	}
	if req.AnnouncementID != "" {
		// Opaque reference only; announcement content lives elsewhere.
		job.AnnouncementID = sql.NullString{String: req.AnnouncementID, Valid: true}
	}

	if err := h.repo.CreateJob(job); err != nil {
		h.logger.Error("failed to create maintenance job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create maintenance job"})
		return
	}

	h.logger.Info("maintenance scheduled",
		zap.String("job_id", job.ID),
		zap.Time("scheduled_at", job.ScheduledAt),
		zap.String("target_image", job.TargetImage),
	)
	c.JSON(http.StatusCreated, job)
}

func (h *Handler) GetMaintenance(c *gin.Context) {
	job, err := h.repo.GetJob(c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "maintenance job not found"})
			return
		}
		h.logger.Error("failed to get maintenance job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *Handler) ListMaintenance(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	jobs, err := h.repo.ListJobs(limit)
	if err != nil {
		h.logger.Error("failed to list maintenance jobs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

func (h *Handler) CancelMaintenance(c *gin.Context) {
	job, err := h.repo.CancelJob(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, db.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "maintenance job not found"})
		case errors.Is(err, db.ErrJobNotCancellable):
			// Claimed or terminal: the job already committed.
			c.JSON(http.StatusConflict, gin.H{"error": "job is no longer cancellable"})
		default:
			h.logger.Error("failed to cancel maintenance job", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	h.logger.Info("maintenance cancelled", zap.String("job_id", job.ID))
	c.JSON(http.StatusOK, job)
}

func (h *Handler) ExecuteMaintenanceNow(c *gin.Context) {
	id := c.Param("id")

	result, err := h.runner.ExecuteNow(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNoClaimableJob):
			c.JSON(http.StatusConflict, gin.H{"error": "job is not pending or another job is in progress"})
		case errors.Is(err, db.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "maintenance job not found"})
		case errors.Is(err, rollout.ErrUpdateInProgress):
			// The job was never claimed; it stays pending for the poll loop.
			c.JSON(http.StatusConflict, gin.H{"error": "a rolling update is already in progress"})
		default:
			h.logger.Error("failed to execute maintenance job", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	job, err := h.repo.GetJob(id)
	if err != nil {
		h.logger.Error("failed to reload maintenance job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job, "result": result})
}
