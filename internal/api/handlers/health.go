package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pressfleet"})
}

// Ready reports whether the control plane can do useful work. The tenant
// registry is the hard dependency: without it no admin write lands. An
// unreachable cluster or cache only degrades status reads, so both are
// reported but do not fail readiness.
func (h *Handler) Ready(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{"database": "ok", "cluster": "ok", "cache": "ok"}
	ready := true

	if err := h.repo.Ping(); err != nil {
		checks["database"] = "unreachable"
		ready = false
	}
	if err := h.backend.Ping(ctx); err != nil {
		checks["cluster"] = "unreachable"
	}
	if err := h.cache.Ping(ctx); err != nil {
		checks["cache"] = "unreachable"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}
