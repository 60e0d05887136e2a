package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/cluster"
	"github.com/pressfleet/pressfleet/internal/db"
	"github.com/pressfleet/pressfleet/internal/provision"
)

type CreateTenantRequest struct {
	Name            string `json:"name" binding:"required,min=1,max=255"`
	Subdomain       string `json:"subdomain" binding:"required,min=1,max=63"`
	PlanID          string `json:"plan_id"`
	DesiredReplicas *int   `json:"desired_replicas" binding:"required,min=0,max=10"`
	Image           string `json:"image"`
}

func (h *Handler) CreateTenant(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !provision.ValidSubdomain(req.Subdomain) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subdomain"})
		return
	}

	image := req.Image
	if image == "" {
		image = h.config.Provision.WordPressImage
	}

	resources, err := h.provisioner.CreateTenantResources(c.Request.Context(), req.Subdomain)
	if err != nil {
		h.logger.Error("failed to provision tenant resources", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to provision tenant resources"})
		return
	}

	now := time.Now()
	tenant := &db.Tenant{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Subdomain:       req.Subdomain,
		PlanID:          req.PlanID,
		DesiredReplicas: *req.DesiredReplicas,
		IsActive:        true,
		Image:           image,
		DBName:          resources.DBName,
		Bucket:          resources.Bucket,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.repo.CreateTenant(tenant); err != nil {
		if errors.Is(err, db.ErrSubdomainTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "subdomain already in use"})
			return
		}
		h.logger.Error("failed to create tenant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create tenant"})
		return
	}

	err = h.backend.Create(c.Request.Context(), cluster.ServiceSpec{
		TenantID:  tenant.ID,
		Subdomain: tenant.Subdomain,
		Image:     tenant.Image,
		Replicas:  tenant.DesiredReplicas,
		Env:       h.provisioner.ServiceEnv(resources),
	})
	if err != nil {
		// The registry row stays; the reconciler surfaces the tenant as
		// degraded until the service can be created by a retry.
		h.logger.Error("failed to create tenant service",
			zap.String("tenant_id", tenant.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusAccepted, gin.H{
			"tenant": tenant,
			"error":  "tenant registered, service creation pending cluster availability",
		})
		return
	}

	h.logger.Info("tenant created",
		zap.String("tenant_id", tenant.ID),
		zap.String("subdomain", tenant.Subdomain),
	)
	c.JSON(http.StatusCreated, tenant)
}

func (h *Handler) GetTenant(c *gin.Context) {
	tenant, err := h.repo.GetTenant(c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		h.logger.Error("failed to get tenant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) ListTenants(c *gin.Context) {
	if subdomain := c.Query("subdomain"); subdomain != "" {
		tenant, err := h.repo.GetTenantBySubdomain(subdomain)
		if err != nil {
			if errors.Is(err, db.ErrTenantNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
				return
			}
			h.logger.Error("failed to look up tenant by subdomain", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenants": []*db.Tenant{tenant}, "total": 1})
		return
	}

	tenants, err := h.repo.ListTenants()
	if err != nil {
		h.logger.Error("failed to list tenants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "total": len(tenants)})
}

func (h *Handler) DeleteTenant(c *gin.Context) {
	id := c.Param("id")

	tenant, err := h.repo.GetTenant(id)
	if err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		h.logger.Error("failed to get tenant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if err := h.backend.Remove(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to remove tenant service", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cluster unavailable, try again"})
		return
	}

	if err := h.provisioner.DropTenantResources(c.Request.Context(), tenant.Subdomain); err != nil {
		h.logger.Error("failed to drop tenant resources", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to drop tenant resources"})
		return
	}

	if err := h.repo.DeleteTenant(id); err != nil {
		h.logger.Error("failed to delete tenant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if err := h.cache.DropObservation(c.Request.Context(), id); err != nil {
		h.logger.Debug("failed to drop cached observation", zap.Error(err))
	}

	h.logger.Info("tenant deleted",
		zap.String("tenant_id", id),
		zap.String("subdomain", tenant.Subdomain),
	)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

type ScaleTenantRequest struct {
	Replicas *int `json:"replicas" binding:"required"`
}

func (h *Handler) ScaleTenant(c *gin.Context) {
	var req ScaleTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := h.repo.SetDesiredReplicas(c.Param("id"), *req.Replicas)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrReplicasOutOfRange):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, db.ErrTenantNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		default:
			h.logger.Error("failed to set desired replicas", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	// Converge right away so the operator sees the effect of the call; the
	// periodic pass would get there anyway.
	if err := h.reconciler.ReconcileTenant(c.Request.Context(), tenant.ID); err != nil {
		h.logger.Warn("immediate reconciliation failed, next pass retries",
			zap.String("tenant_id", tenant.ID),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusOK, tenant)
}

type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Handler) SetTenantActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, err := h.repo.SetActive(c.Param("id"), *req.Active)
	if err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		h.logger.Error("failed to set active flag", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if err := h.reconciler.ReconcileTenant(c.Request.Context(), tenant.ID); err != nil {
		h.logger.Warn("immediate reconciliation failed, next pass retries",
			zap.String("tenant_id", tenant.ID),
			zap.Error(err),
		)
	}

	h.logger.Info("tenant activation changed",
		zap.String("tenant_id", tenant.ID),
		zap.Bool("active", tenant.IsActive),
	)
	c.JSON(http.StatusOK, tenant)
}

// ClusterStatus reads every tenant service in one pass, for dashboard-style
// overviews that would otherwise issue a backend call per tenant.
func (h *Handler) ClusterStatus(c *gin.Context) {
	observations, err := h.backend.ObserveAll(c.Request.Context())
	if err != nil {
		if errors.Is(err, cluster.ErrClusterUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cluster unavailable"})
			return
		}
		h.logger.Error("failed to observe cluster", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"services": observations, "total": len(observations)})
}

func (h *Handler) GetTenantStatus(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.repo.GetTenant(id); err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		h.logger.Error("failed to get tenant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if obs, err := h.cache.GetObservation(ctx, id); err == nil {
		c.JSON(http.StatusOK, gin.H{"observation": obs, "cached": true})
		return
	}

	obs, err := h.backend.Observe(ctx, id)
	if err != nil {
		if errors.Is(err, cluster.ErrClusterUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cluster unavailable"})
			return
		}
		if errors.Is(err, cluster.ErrServiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
			return
		}
		h.logger.Error("failed to observe tenant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if err := h.cache.PutObservation(ctx, id, obs); err != nil {
		h.logger.Debug("failed to cache observation", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"observation": obs, "cached": false})
}
