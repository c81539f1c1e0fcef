// Package cache holds the fast-read mirror of each machine's active job.
// The database stays authoritative; the mirror exists so dashboards and the
// event router can read the active job without a database round trip. Entries
// are evicted explicitly on terminal transitions, not by TTL.
package cache

import (
	"context"

	"fleet-control-plane/backend/internal/job/domain"
)

// Cache mirrors at most one non-terminal job per machine.
type Cache interface {
	SetActive(ctx context.Context, job *domain.Job) error
	// GetActive returns the mirrored job, or nil on a miss.
	GetActive(ctx context.Context, machineID string) (*domain.Job, error)
	EvictActive(ctx context.Context, machineID string) error
}

// Key returns the cache key for a machine's active job.
func Key(machineID string) string {
	return "job:active:" + machineID
}
