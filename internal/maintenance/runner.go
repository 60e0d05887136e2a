package maintenance

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pressfleet/pressfleet/internal/db"
	"github.com/pressfleet/pressfleet/internal/metrics"
	"github.com/pressfleet/pressfleet/internal/rollout"
)

type jobStore interface {
	ClaimDueJob(now time.Time) (*db.MaintenanceJob, error)
	ClaimJob(id string, now time.Time) (*db.MaintenanceJob, error)
	FinalizeJob(id string, status db.JobStatus, errMsg string) error
	RecoverOrphanedJobs() (int, error)
	JobStatusCounts() (map[db.JobStatus]int, error)
}

type applier interface {
	ApplyLocked(ctx context.Context, targetImage string, forceUpdate bool) (*rollout.Result, error)
}

// Runner is the poll loop behind scheduled maintenance. Claims happen under
// the same cluster-wide lock that serializes rollouts, so a poll tick and an
// execute-now request can never both move a job to in_progress, and a claimed
// job never has to compete for the lock afterwards.
type Runner struct {
	store    jobStore
	applier  applier
	lock     rollout.Locker
	metrics  *metrics.Collector
	logger   *zap.Logger
	interval time.Duration
}

func NewRunner(store jobStore, applier applier, lock rollout.Locker, m *metrics.Collector, logger *zap.Logger, interval time.Duration) *Runner {
	return &Runner{
		store:    store,
		applier:  applier,
		lock:     lock,
		metrics:  m,
		logger:   logger,
		interval: interval,
	}
}

// Run recovers orphaned jobs, then polls until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("starting maintenance runner", zap.Duration("interval", r.interval))

	// A job stuck in_progress from an unclean shutdown is resolved to failed,
	// never re-run: the underlying rolling update may have partially applied.
	if n, err := r.store.RecoverOrphanedJobs(); err != nil {
		r.logger.Error("failed to recover orphaned jobs", zap.Error(err))
	} else if n > 0 {
		r.logger.Warn("resolved orphaned maintenance jobs to failed", zap.Int("count", n))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping maintenance runner")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	defer r.publishJobGauges()

	release, ok, err := r.lock.TryAcquire(ctx)
	if err != nil {
		r.logger.Error("failed to acquire update lock", zap.Error(err))
		return
	}
	if !ok {
		// A rollout is in flight; due jobs stay pending until the next tick.
		return
	}
	defer release()

	job, err := r.store.ClaimDueJob(time.Now())
	if errors.Is(err, db.ErrNoClaimableJob) {
		return
	}
	if err != nil {
		r.logger.Error("failed to claim due job", zap.Error(err))
		return
	}

	if _, err := r.execute(ctx, job); err != nil {
		r.logger.Error("maintenance job failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func (r *Runner) publishJobGauges() {
	counts, err := r.store.JobStatusCounts()
	if err != nil {
		r.logger.Debug("failed to count maintenance jobs", zap.Error(err))
		return
	}
	for _, status := range []db.JobStatus{
		db.JobStatusPending, db.JobStatusInProgress, db.JobStatusCompleted,
		db.JobStatusFailed, db.JobStatusCancelled,
	} {
		r.metrics.SetJobs(string(status), counts[status])
	}
}

// ExecuteNow claims a specific pending job ahead of its due time and runs it
// synchronously. Returns the run result for the admin caller.
func (r *Runner) ExecuteNow(ctx context.Context, id string) (*rollout.Result, error) {
	release, ok, err := r.lock.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The job is never claimed while another update runs; it stays
		// pending for the poll loop.
		return nil, rollout.ErrUpdateInProgress
	}
	defer release()

	job, err := r.store.ClaimJob(id, time.Now())
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, job)
}

func (r *Runner) execute(ctx context.Context, job *db.MaintenanceJob) (*rollout.Result, error) {
	r.logger.Info("executing maintenance job",
		zap.String("job_id", job.ID),
		zap.String("target_image", job.TargetImage),
		zap.Bool("force", job.ForceUpdate),
	)

	result, err := r.applier.ApplyLocked(ctx, job.TargetImage, job.ForceUpdate)
	if err != nil {
		r.finalize(job, db.JobStatusFailed, err.Error())
		return nil, err
	}

	if result.Success {
		r.finalize(job, db.JobStatusCompleted, "")
	} else {
		// The error list stays on the job for operator inspection; the
		// registry only advanced for tenants that stabilized, so a new job
		// retries exactly the failed subset.
		r.finalize(job, db.JobStatusFailed, strings.Join(result.Errors, "; "))
	}
	return result, nil
}

func (r *Runner) finalize(job *db.MaintenanceJob, status db.JobStatus, errMsg string) {
	if err := r.store.FinalizeJob(job.ID, status, errMsg); err != nil {
		r.logger.Error("failed to finalize job",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("maintenance job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
	)
}
