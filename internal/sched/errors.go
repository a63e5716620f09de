package sched

import "errors"

var (
	ErrNotFound       = errors.New("job not found")
	ErrDuplicateName  = errors.New("job name already exists")
	ErrInvalidDef     = errors.New("invalid job definition")
	ErrNotConfigured  = errors.New("job has no shift report configured")
	ErrDeliveryFailed = errors.New("report delivery failed")
	ErrStopped        = errors.New("scheduler stopped")
)
