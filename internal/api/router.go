package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/api/handlers"
	"github.com/pressfleet/pressfleet/internal/api/middleware"
	"github.com/pressfleet/pressfleet/internal/config"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, h *handlers.Handler, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())

	server := &Server{
		Config: cfg,
		Router: router,
	}

	server.setupRoutes(h)
	return server
}

func (s *Server) setupRoutes(h *handlers.Handler) {
	// Health and metrics
	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.Router.Group("/api/v1")

	// Tenant routes
	{
		api.GET("/tenants", h.ListTenants)
		api.POST("/tenants", h.CreateTenant)
		api.GET("/tenants/:id", h.GetTenant)
		api.DELETE("/tenants/:id", h.DeleteTenant)
		api.GET("/tenants/:id/status", h.GetTenantStatus)
		api.POST("/tenants/:id/scale", h.ScaleTenant)
		api.POST("/tenants/:id/active", h.SetTenantActive)
	}

	// Cluster and rolling update routes
	{
		api.GET("/cluster/status", h.ClusterStatus)
		api.POST("/updates", h.TriggerUpdate)
	}

	// Scheduled maintenance routes
	{
		api.GET("/maintenance", h.ListMaintenance)
		api.POST("/maintenance", h.ScheduleMaintenance)
		api.GET("/maintenance/:id", h.GetMaintenance)
		api.POST("/maintenance/:id/cancel", h.CancelMaintenance)
		api.POST("/maintenance/:id/execute", h.ExecuteMaintenanceNow)
	}
}
