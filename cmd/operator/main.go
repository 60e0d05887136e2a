package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/cluster"
	"github.com/pressfleet/pressfleet/internal/config"
	"github.com/pressfleet/pressfleet/internal/db"
	"github.com/pressfleet/pressfleet/internal/maintenance"
	"github.com/pressfleet/pressfleet/internal/metrics"
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

	backend, err := cluster.NewClient(cfg.Cluster.Host, cfg.Cluster.RequestsPerSec, cfg.Cluster.RequestBurst, collector, logger)
	if err != nil {
		logger.Fatal("failed to create cluster client", zap.Error(err))
	}

	lock := rollout.NewAdvisoryLock(conn)
	coordinator := rollout.NewCoordinator(repo, backend, lock, collector, logger, cfg.Rollout)
	rec := reconciler.New(repo, backend, coordinator, collector, logger, cfg.Reconciler.Interval)
	runner := maintenance.NewRunner(repo, coordinator, lock, collector, logger, cfg.Maintenance.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())

	// The two loops are independent: reconciliation keeps replica counts
	// converged, the runner fires scheduled rolling updates. They only meet
	// at the advisory lock and the coordinator's in-flight tenant.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rec.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	// Metrics endpoint
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", nil); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("operator started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down operator")
	cancel()
	wg.Wait()
	logger.Info("operator stopped")
}
