package db

import (
	"database/sql"
	"time"
)

const (
	MinReplicas = 0
	MaxReplicas = 10
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Tenant is one WordPress deployment: desired state owned by admins,
// observed state refreshed by the reconciler and never authoritative.
type Tenant struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	Subdomain string `json:"subdomain" db:"subdomain"`
	PlanID    string `json:"plan_id" db:"plan_id"`

	// Desired state
	DesiredReplicas int    `json:"desired_replicas" db:"desired_replicas"`
	IsActive        bool   `json:"is_active" db:"is_active"`
	Image           string `json:"image" db:"image"`

	// Backing resources created at provisioning time
	DBName string `json:"db_name" db:"db_name"`
	Bucket string `json:"bucket" db:"bucket"`

	// Observed state, overwritten on every reconciliation poll
	RunningReplicas   int          `json:"running_replicas" db:"running_replicas"`
	LastObservedImage string       `json:"last_observed_image" db:"last_observed_image"`
	LastObservedAt    sql.NullTime `json:"last_observed_at" db:"last_observed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TargetReplicas is the replica count reconciliation drives the service
// towards. Disabled tenants converge to zero without losing DesiredReplicas.
func (t *Tenant) TargetReplicas() int {
	if !t.IsActive {
		return 0
	}
	return t.DesiredReplicas
}

// MaintenanceJob is a deferred rolling update. At most one row may be
// in_progress at any time; terminal states are immutable.
type MaintenanceJob struct {
	ID             string         `json:"id" db:"id"`
	ScheduledAt    time.Time      `json:"scheduled_at" db:"scheduled_at"`
	TargetImage    string         `json:"target_image" db:"target_image"`
	ForceUpdate    bool           `json:"force_update" db:"force_update"`
	AnnouncementID sql.NullString `json:"announcement_id,omitempty" db:"announcement_id"`
	Status         JobStatus      `json:"status" db:"status"`
	Error          string         `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	StartedAt      sql.NullTime   `json:"started_at" db:"started_at"`
	FinishedAt     sql.NullTime   `json:"finished_at" db:"finished_at"`
}

func (j *MaintenanceJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ValidReplicas reports whether n is inside the allowed scale range.
func ValidReplicas(n int) bool {
	return n >= MinReplicas && n <= MaxReplicas
}
