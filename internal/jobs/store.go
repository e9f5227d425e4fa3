package jobs

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("job not found in store")

// Store keeps job records beyond the lifetime of the in-memory manager.
type Store interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	Close() error
}
