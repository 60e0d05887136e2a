package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/api"
	"github.com/pressfleet/pressfleet/internal/api/handlers"
	"github.com/pressfleet/pressfleet/internal/cluster"
	"github.com/pressfleet/pressfleet/internal/config"
	"github.com/pressfleet/pressfleet/internal/db"
	"github.com/pressfleet/pressfleet/internal/maintenance"
	"github.com/pressfleet/pressfleet/internal/metrics"
	"github.com/pressfleet/pressfleet/internal/provision"
	"github.com/pressfleet/pressfleet/internal/reconciler"
	"github.com/pressfleet/pressfleet/internal/rollout"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Database
	if err := db.Migrate(cfg.Database.URL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	conn, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer conn.Close()
	repo := db.NewRepository(conn)

	collector := metrics.NewCollector()

	// Cluster backend + observation cache
	backend, err := cluster.NewClient(cfg.Cluster.Host, cfg.Cluster.RequestsPerSec, cfg.Cluster.RequestBurst, collector, logger)
	if err != nil {
		logger.Fatal("failed to create cluster client", zap.Error(err))
	}
	cache := cluster.NewCache(cfg.Redis.URL, cfg.Redis.CacheTTL)
	defer cache.Close()

	// Tenant resource provisioning
	provisioner, err := provision.New(cfg.Provision, logger)
	if err != nil {
		logger.Fatal("failed to create provisioner", zap.Error(err))
	}
	defer provisioner.Close()

	// Core components. The API shares the same advisory lock as the operator
	// process, so a manual trigger and a scheduled run can never overlap.
	lock := rollout.NewAdvisoryLock(conn)
	coordinator := rollout.NewCoordinator(repo, backend, lock, collector, logger, cfg.Rollout)
	rec := reconciler.New(repo, backend, coordinator, collector, logger, cfg.Reconciler.Interval)
	runner := maintenance.NewRunner(repo, coordinator, lock, collector, logger, cfg.Maintenance.PollInterval)

	handler := handlers.NewHandler(repo, backend, cache, rec, coordinator, runner, provisioner, cfg, logger)
	server := api.NewServer(cfg, handler, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
