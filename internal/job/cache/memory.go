package cache

import (
	"context"
	"sync"

	"fleet-control-plane/backend/internal/job/domain"
)

// MemoryCache is an in-process Cache for tests and single-node development.
type MemoryCache struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

// NewMemoryCache returns an empty in-memory job cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{jobs: make(map[string]domain.Job)}
}

func (c *MemoryCache) SetActive(ctx context.Context, job *domain.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[Key(job.MachineID)] = *job
	return nil
}

func (c *MemoryCache) GetActive(ctx context.Context, machineID string) (*domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[Key(machineID)]
	if !ok {
		return nil, nil
	}
	out := job
	return &out, nil
}

func (c *MemoryCache) EvictActive(ctx context.Context, machineID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, Key(machineID))
	return nil
}
