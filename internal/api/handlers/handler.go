package handlers

import (
	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/cluster"
	"github.com/pressfleet/pressfleet/internal/config"
	"github.com/pressfleet/pressfleet/internal/db"
	"github.com/pressfleet/pressfleet/internal/maintenance"
	"github.com/pressfleet/pressfleet/internal/provision"
	"github.com/pressfleet/pressfleet/internal/reconciler"
	"github.com/pressfleet/pressfleet/internal/rollout"
)

type Handler struct {
	repo        *db.Repository
	backend     *cluster.Client
	cache       *cluster.Cache
	reconciler  *reconciler.Reconciler
	coordinator *rollout.Coordinator
	runner      *maintenance.Runner
	provisioner *provision.Provisioner
	config      *config.Config
	logger      *zap.Logger
}

func NewHandler(
	repo *db.Repository,
	backend *cluster.Client,
	cache *cluster.Cache,
	rec *reconciler.Reconciler,
	coord *rollout.Coordinator,
	runner *maintenance.Runner,
	prov *provision.Provisioner,
	cfg *config.Config,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		repo:        repo,
		backend:     backend,
		cache:       cache,
		reconciler:  rec,
		coordinator: coord,
		runner:      runner,
		provisioner: prov,
		config:      cfg,
		logger:      logger,
	}
}
