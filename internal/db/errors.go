package db

import "errors"

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrSubdomainTaken     = errors.New("subdomain already in use")
	ErrReplicasOutOfRange = errors.New("desired replicas out of range")
	ErrJobNotFound        = errors.New("maintenance job not found")
	ErrJobNotCancellable  = errors.New("maintenance job is not cancellable")
	ErrNoClaimableJob     = errors.New("no claimable maintenance job")
)
