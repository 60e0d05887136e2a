package rollout

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// updateLockKey is the advisory lock id serializing rolling updates
// cluster-wide. One key, one concurrent update, regardless of how many
// operator or API processes are running.
const updateLockKey = 0x70665F7570 // "pf_up"

// Locker guards the single global rolling update slot.
type Locker interface {
	// TryAcquire attempts the lock without waiting. When ok, release must be
	// called exactly once.
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// AdvisoryLock implements Locker on a Postgres advisory lock. The lock is
// session-scoped, so it is held on a dedicated connection that is only
// returned to the pool on release. An in-process mutex alone would not
// serialize the API process against the operator process.
type AdvisoryLock struct {
	db *sqlx.DB
}

func NewAdvisoryLock(db *sqlx.DB) *AdvisoryLock {
	return &AdvisoryLock{db: db}
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to take lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, updateLockKey).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to acquire update lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		// Unlock on the same session; closing the connection would release
		// the lock anyway, this just does it deterministically.
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, updateLockKey)
		conn.Close()
	}
	return release, true, nil
}
