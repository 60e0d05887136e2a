package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/cluster"
	"github.com/pressfleet/pressfleet/internal/db"
	"github.com/pressfleet/pressfleet/internal/metrics"
)

type registry interface {
	GetTenant(id string) (*db.Tenant, error)
	ListTenants() ([]*db.Tenant, error)
	RecordObservation(id string, running int, image string, at time.Time) error
}

type backend interface {
	Observe(ctx context.Context, tenantID string) (*cluster.Observation, error)
	Scale(ctx context.Context, tenantID string, replicas int) error
}

// updateTracker tells the reconciler which tenant the rolling update
// coordinator currently owns.
type updateTracker interface {
	Updating(tenantID string) bool
}

// Reconciler drives each tenant's service towards its desired state. Image
// convergence is deliberately out of scope: images move only through the
// rolling update coordinator, so a routine pass never races a scheduled
// maintenance run.
type Reconciler struct {
	registry registry
	backend  backend
	tracker  updateTracker
	metrics  *metrics.Collector
	logger   *zap.Logger
	interval time.Duration
}

func New(reg registry, be backend, tracker updateTracker, m *metrics.Collector, logger *zap.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{
		registry: reg,
		backend:  be,
		tracker:  tracker,
		metrics:  m,
		logger:   logger,
		interval: interval,
	}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("starting reconciler", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping reconciler")
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll runs one pass over every tenant. A single tenant's failure
// never aborts the pass.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	started := time.Now()

	tenants, err := r.registry.ListTenants()
	if err != nil {
		r.logger.Error("failed to list tenants", zap.Error(err))
		return
	}

	active, disabled, degraded := 0, 0, 0
	for _, tenant := range tenants {
		if tenant.IsActive {
			active++
		} else {
			disabled++
		}

		if r.tracker != nil && r.tracker.Updating(tenant.ID) {
			r.logger.Debug("tenant held by rolling update, deferring",
				zap.String("tenant_id", tenant.ID),
			)
			continue
		}

		if err := r.reconcile(ctx, tenant); err != nil {
			degraded++
			if errors.Is(err, cluster.ErrClusterUnavailable) {
				// Transient: the next pass retries. An unreachable backend
				// means "unknown", never "zero replicas".
				r.logger.Warn("cluster unavailable, skipping tenant",
					zap.String("tenant_id", tenant.ID),
					zap.Error(err),
				)
				continue
			}
			r.logger.Error("tenant reconciliation failed",
				zap.String("tenant_id", tenant.ID),
				zap.String("subdomain", tenant.Subdomain),
				zap.Error(err),
			)
		}
	}

	r.metrics.SetTenants(active, disabled)
	r.metrics.SetDegradedTenants(degraded)
	r.metrics.ReconcileCycle(time.Since(started).Seconds())
}

// ReconcileTenant reconciles one tenant by id, for synchronous admin paths
// like disable-and-scale-down.
func (r *Reconciler) ReconcileTenant(ctx context.Context, id string) error {
	tenant, err := r.registry.GetTenant(id)
	if err != nil {
		return err
	}
	if r.tracker != nil && r.tracker.Updating(tenant.ID) {
		return nil
	}
	return r.reconcile(ctx, tenant)
}

func (r *Reconciler) reconcile(ctx context.Context, tenant *db.Tenant) error {
	obs, err := r.backend.Observe(ctx, tenant.ID)
	if err != nil {
		return err
	}

	target := tenant.TargetReplicas()
	// Defense in depth beyond the registry's own validation: a bad target
	// never reaches the cluster backend.
	if !db.ValidReplicas(target) {
		return fmt.Errorf("%w: computed target %d for tenant %s", db.ErrReplicasOutOfRange, target, tenant.ID)
	}

	// Scale when either the service spec or the running count disagrees with
	// the target. The backend treats a scale to the current count as a no-op,
	// so transient propagation lag does not cause churn.
	if obs.RunningReplicas != target || obs.DesiredReplicas != target {
		if err := r.scale(ctx, tenant, target); err != nil {
			return err
		}
	}

	if err := r.registry.RecordObservation(tenant.ID, obs.RunningReplicas, obs.CurrentImage, time.Now()); err != nil {
		r.logger.Warn("failed to record observation",
			zap.String("tenant_id", tenant.ID),
			zap.Error(err),
		)
	}
	return nil
}

// scale issues the corrective scale command with one immediate retry.
func (r *Reconciler) scale(ctx context.Context, tenant *db.Tenant, target int) error {
	r.logger.Info("scaling service",
		zap.String("tenant_id", tenant.ID),
		zap.String("subdomain", tenant.Subdomain),
		zap.Int("target", target),
	)

	err := r.backend.Scale(ctx, tenant.ID, target)
	if err != nil {
		err = r.backend.Scale(ctx, tenant.ID, target)
	}
	if err != nil {
		r.metrics.ScaleCommand("failed")
		return fmt.Errorf("scale to %d failed after retry: %w", target, err)
	}

	r.metrics.ScaleCommand("ok")
	return nil
}
