package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidReplicas(t *testing.T) {
	assert.True(t, ValidReplicas(0))
	assert.True(t, ValidReplicas(1))
	assert.True(t, ValidReplicas(10))
	assert.False(t, ValidReplicas(-1))
	assert.False(t, ValidReplicas(11))
}

func TestTargetReplicas(t *testing.T) {
	tenant := &Tenant{DesiredReplicas: 4, IsActive: true}
	assert.Equal(t, 4, tenant.TargetReplicas())

	tenant.IsActive = false
	assert.Equal(t, 0, tenant.TargetReplicas(), "disabled tenants target zero without losing desired replicas")
	assert.Equal(t, 4, tenant.DesiredReplicas)

	tenant.IsActive = true
	assert.Equal(t, 4, tenant.TargetReplicas(), "re-enabling restores the prior desired count")
}

func TestJobTerminal(t *testing.T) {
	cases := map[JobStatus]bool{
		JobStatusPending:    false,
		JobStatusInProgress: false,
		JobStatusCompleted:  true,
		JobStatusFailed:     true,
		JobStatusCancelled:  true,
	}
	for status, want := range cases {
		job := &MaintenanceJob{Status: status}
		assert.Equal(t, want, job.Terminal(), "status %s", status)
	}
}
