package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/cluster"
	"github.com/pressfleet/pressfleet/internal/config"
	"github.com/pressfleet/pressfleet/internal/db"
	"github.com/pressfleet/pressfleet/internal/metrics"
)

// ErrUpdateInProgress means another rolling update holds the global lock.
// Callers retry later; nothing is queued.
var ErrUpdateInProgress = errors.New("rolling update already in progress")

// Result is the outcome of one rolling update run. It is returned to the
// caller and folded into a maintenance job's terminal status, never persisted
// on its own.
type Result struct {
	Success         bool     `json:"success"`
	ServicesUpdated []string `json:"services_updated"`
	Errors          []string `json:"errors"`
}

type registry interface {
	ListActiveTenants() ([]*db.Tenant, error)
	SetImage(id, image string) (*db.Tenant, error)
}

type backend interface {
	Observe(ctx context.Context, tenantID string) (*cluster.Observation, error)
	Update(ctx context.Context, tenantID, image string, forcePull bool) error
	WaitStable(ctx context.Context, tenantID, image string, timeout, poll time.Duration) error
}

// Coordinator applies a new image across all active tenants, one at a time,
// under a single cluster-wide lock.
type Coordinator struct {
	registry registry
	backend  backend
	lock     Locker
	metrics  *metrics.Collector
	logger   *zap.Logger
	cfg      config.RolloutConfig

	mu      sync.RWMutex
	current string // tenant id being updated right now, "" when idle
}

func NewCoordinator(reg registry, be backend, lock Locker, m *metrics.Collector, logger *zap.Logger, cfg config.RolloutConfig) *Coordinator {
	return &Coordinator{
		registry: reg,
		backend:  be,
		lock:     lock,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
}

// Updating reports whether the coordinator currently owns the given tenant.
// The reconciler skips such tenants: during an update window the coordinator
// alone mutates the image field.
func (c *Coordinator) Updating(tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != "" && c.current == tenantID
}

func (c *Coordinator) setCurrent(tenantID string) {
	c.mu.Lock()
	c.current = tenantID
	c.mu.Unlock()
}

// Apply rolls targetImage out to every active tenant in creation order.
// Tenants are updated strictly sequentially; a failed or timed-out tenant is
// recorded and the run continues. The registry image field advances only for
// tenants that stabilized, so a retry re-attempts exactly the failed subset.
func (c *Coordinator) Apply(ctx context.Context, targetImage string, forceUpdate bool) (*Result, error) {
	release, ok, err := c.lock.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUpdateInProgress
	}
	defer release()

	return c.run(ctx, targetImage, forceUpdate)
}

// ApplyLocked runs the rollout for a caller that already holds the update
// lock, such as the maintenance runner, which claims jobs under it.
func (c *Coordinator) ApplyLocked(ctx context.Context, targetImage string, forceUpdate bool) (*Result, error) {
	return c.run(ctx, targetImage, forceUpdate)
}

func (c *Coordinator) run(ctx context.Context, targetImage string, forceUpdate bool) (*Result, error) {
	// A started rollout runs to completion or per-tenant timeout. An admin
	// client disconnecting mid-run does not cancel the remaining tenants.
	ctx = context.WithoutCancel(ctx)
	defer c.setCurrent("")

	tenants, err := c.registry.ListActiveTenants()
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}

	c.logger.Info("starting rolling update",
		zap.String("target_image", targetImage),
		zap.Bool("force", forceUpdate),
		zap.Int("tenants", len(tenants)),
	)
	started := time.Now()

	result := &Result{ServicesUpdated: []string{}, Errors: []string{}}
	for _, tenant := range tenants {
		c.setCurrent(tenant.ID)

		if err := c.updateTenant(ctx, tenant, targetImage, forceUpdate); err != nil {
			if errors.Is(err, errAlreadyCurrent) {
				c.metrics.RolloutTenant("skipped")
				c.logger.Info("tenant already on target image, skipping",
					zap.String("tenant_id", tenant.ID),
					zap.String("subdomain", tenant.Subdomain),
				)
				c.advanceImage(tenant, targetImage)
				continue
			}
			c.metrics.RolloutTenant("failed")
			c.logger.Error("tenant update failed",
				zap.String("tenant_id", tenant.ID),
				zap.String("subdomain", tenant.Subdomain),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", tenant.ID, err))
			continue
		}

		c.metrics.RolloutTenant("updated")
		result.ServicesUpdated = append(result.ServicesUpdated, tenant.ID)
		c.advanceImage(tenant, targetImage)
	}

	result.Success = len(result.Errors) == 0
	c.metrics.RolloutRun(result.Success, time.Since(started).Seconds())
	c.logger.Info("rolling update finished",
		zap.Bool("success", result.Success),
		zap.Int("updated", len(result.ServicesUpdated)),
		zap.Int("failed", len(result.Errors)),
		zap.Duration("took", time.Since(started)),
	)
	return result, nil
}

var errAlreadyCurrent = errors.New("already on target image")

func (c *Coordinator) updateTenant(ctx context.Context, tenant *db.Tenant, targetImage string, force bool) error {
	if !force && c.cfg.SkipIfCurrent {
		obs, err := c.backend.Observe(ctx, tenant.ID)
		if err == nil && obs.CurrentImage == targetImage {
			return errAlreadyCurrent
		}
		// An unreadable observation is not fatal here, the update itself
		// will surface a real backend problem.
	}

	if err := c.backend.Update(ctx, tenant.ID, targetImage, force); err != nil {
		return err
	}

	return c.backend.WaitStable(ctx, tenant.ID, targetImage, c.cfg.StableTimeout, c.cfg.PollInterval)
}

func (c *Coordinator) advanceImage(tenant *db.Tenant, targetImage string) {
	if tenant.Image == targetImage {
		return
	}
	if _, err := c.registry.SetImage(tenant.ID, targetImage); err != nil {
		c.logger.Error("failed to advance registry image",
			zap.String("tenant_id", tenant.ID),
			zap.Error(err),
		)
	}
}
