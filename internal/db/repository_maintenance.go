package db

import (
	"database/sql"
	"time"
)

// Maintenance job operations

func (r *Repository) CreateJob(j *MaintenanceJob) error {
	query := `
        INSERT INTO maintenance_jobs (
            id, scheduled_at, target_image, force_update, announcement_id,
            status, error, created_at
        ) VALUES (
            :id, :scheduled_at, :target_image, :force_update, :announcement_id,
            :status, :error, :created_at
        )`

	_, err := r.db.NamedExec(query, j)
	return err
}

func (r *Repository) GetJob(id string) (*MaintenanceJob, error) {
	var j MaintenanceJob
	err := r.db.Get(&j, `SELECT * FROM maintenance_jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) ListJobs(limit int) ([]*MaintenanceJob, error) {
	jobs := []*MaintenanceJob{}
	query := `SELECT * FROM maintenance_jobs ORDER BY scheduled_at DESC LIMIT $1`
	err := r.db.Select(&jobs, query, limit)
	return jobs, err
}

// ClaimDueJob atomically moves the oldest due pending job to in_progress.
// Callers hold the cluster-wide update lock while claiming, which serializes
// racing claims; the NOT EXISTS guard additionally refuses to fire while any
// job is in_progress, so "at most one in_progress" holds even for a claim
// issued without the lock.
func (r *Repository) ClaimDueJob(now time.Time) (*MaintenanceJob, error) {
	query := `
        UPDATE maintenance_jobs SET status = 'in_progress', started_at = $1
        WHERE id = (
            SELECT id FROM maintenance_jobs
            WHERE status = 'pending' AND scheduled_at <= $1
              AND NOT EXISTS (
                  SELECT 1 FROM maintenance_jobs WHERE status = 'in_progress'
              )
            ORDER BY scheduled_at ASC
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING *`

	var j MaintenanceJob
	err := r.db.Get(&j, query, now)
	if err == sql.ErrNoRows {
		return nil, ErrNoClaimableJob
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimJob claims one specific pending job regardless of its due time, for
// the execute-now admin path. Same single-in-progress guard as ClaimDueJob.
func (r *Repository) ClaimJob(id string, now time.Time) (*MaintenanceJob, error) {
	query := `
        UPDATE maintenance_jobs SET status = 'in_progress', started_at = $2
        WHERE id = $1 AND status = 'pending'
          AND NOT EXISTS (
              SELECT 1 FROM maintenance_jobs WHERE status = 'in_progress'
          )
        RETURNING *`

	var j MaintenanceJob
	err := r.db.Get(&j, query, id, now)
	if err == sql.ErrNoRows {
		return nil, ErrNoClaimableJob
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CancelJob cancels a pending job. A job that was already claimed, finished
// or cancelled stays as it is.
func (r *Repository) CancelJob(id string) (*MaintenanceJob, error) {
	query := `
        UPDATE maintenance_jobs SET status = 'cancelled', finished_at = NOW()
        WHERE id = $1 AND status = 'pending'
        RETURNING *`

	var j MaintenanceJob
	err := r.db.Get(&j, query, id)
	if err == nil {
		return &j, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	if _, getErr := r.GetJob(id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrJobNotCancellable
}

// FinalizeJob resolves an in_progress job to a terminal status.
func (r *Repository) FinalizeJob(id string, status JobStatus, errMsg string) error {
	query := `
        UPDATE maintenance_jobs SET status = $2, error = $3, finished_at = NOW()
        WHERE id = $1 AND status = 'in_progress'`

	res, err := r.db.Exec(query, id, status, errMsg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// JobStatusCounts returns how many jobs sit in each status.
func (r *Repository) JobStatusCounts() (map[JobStatus]int, error) {
	rows := []struct {
		Status JobStatus `db:"status"`
		Count  int       `db:"count"`
	}{}
	query := `SELECT status, COUNT(*) AS count FROM maintenance_jobs GROUP BY status`
	if err := r.db.Select(&rows, query); err != nil {
		return nil, err
	}

	counts := make(map[JobStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// RecoverOrphanedJobs fails any job left in_progress by an unclean shutdown.
// A partially applied rolling update must never be silently re-run; the
// operator schedules a fresh job to retry.
func (r *Repository) RecoverOrphanedJobs() (int, error) {
	query := `
        UPDATE maintenance_jobs
        SET status = 'failed', error = 'interrupted by operator restart', finished_at = NOW()
        WHERE status = 'in_progress'`

	res, err := r.db.Exec(query)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
