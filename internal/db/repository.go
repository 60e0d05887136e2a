package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq"
)

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

// Tenant operations

func (r *Repository) CreateTenant(t *Tenant) error {
	query := `
        INSERT INTO tenants (
            id, name, subdomain, plan_id, desired_replicas, is_active,
            image, db_name, bucket, created_at, updated_at
        ) VALUES (
            :id, :name, :subdomain, :plan_id, :desired_replicas, :is_active,
            :image, :db_name, :bucket, :created_at, :updated_at
        )`

	_, err := r.db.NamedExec(query, t)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrSubdomainTaken
	}
	return err
}

func (r *Repository) GetTenant(id string) (*Tenant, error) {
	var t Tenant
	query := `SELECT * FROM tenants WHERE id = $1`
	err := r.db.Get(&t, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetTenantBySubdomain(subdomain string) (*Tenant, error) {
	var t Tenant
	query := `SELECT * FROM tenants WHERE subdomain = $1`
	err := r.db.Get(&t, query, subdomain)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) ListTenants() ([]*Tenant, error) {
	tenants := []*Tenant{}
	query := `SELECT * FROM tenants ORDER BY created_at ASC`
	err := r.db.Select(&tenants, query)
	return tenants, err
}

// ListActiveTenants returns enabled tenants in creation order. The rolling
// update coordinator depends on this ordering being stable between runs.
func (r *Repository) ListActiveTenants() ([]*Tenant, error) {
	tenants := []*Tenant{}
	query := `SELECT * FROM tenants WHERE is_active = true ORDER BY created_at ASC`
	err := r.db.Select(&tenants, query)
	return tenants, err
}

// SetDesiredReplicas persists a new desired replica count. It validates the
// range itself so a bad value never reaches a row, and never talks to the
// cluster: convergence is the reconciler's job.
func (r *Repository) SetDesiredReplicas(id string, n int) (*Tenant, error) {
	if !ValidReplicas(n) {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrReplicasOutOfRange, n, MinReplicas, MaxReplicas)
	}

	query := `
        UPDATE tenants
        SET desired_replicas = $2, updated_at = NOW()
        WHERE id = $1
        RETURNING *`

	var t Tenant
	err := r.db.Get(&t, query, id, n)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetActive flips the activation flag only. DesiredReplicas is untouched so
// re-enabling restores the previous scale without re-specifying it.
func (r *Repository) SetActive(id string, active bool) (*Tenant, error) {
	query := `
        UPDATE tenants
        SET is_active = $2, updated_at = NOW()
        WHERE id = $1
        RETURNING *`

	var t Tenant
	err := r.db.Get(&t, query, id, active)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) SetImage(id, image string) (*Tenant, error) {
	query := `
        UPDATE tenants
        SET image = $2, updated_at = NOW()
        WHERE id = $1
        RETURNING *`

	var t Tenant
	err := r.db.Get(&t, query, id, image)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RecordObservation overwrites the cached observed fields. These are output
// of the last poll, never input to a decision.
func (r *Repository) RecordObservation(id string, running int, image string, at time.Time) error {
	query := `
        UPDATE tenants
        SET running_replicas = $2, last_observed_image = $3, last_observed_at = $4
        WHERE id = $1`

	res, err := r.db.Exec(query, id, running, image, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (r *Repository) DeleteTenant(id string) error {
	res, err := r.db.Exec(`DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}
