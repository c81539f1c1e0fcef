package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"fleet-control-plane/backend/internal/job/domain"
)

// RedisCache implements Cache on Redis with JSON values.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache returns a job cache backed by client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// SetActive mirrors the job under its machine key, replacing any previous
// mirror for that machine.
func (c *RedisCache) SetActive(ctx context.Context, job *domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(job.MachineID), payload, 0).Err()
}

// GetActive returns the mirrored job, or nil on a miss.
func (c *RedisCache) GetActive(ctx context.Context, machineID string) (*domain.Job, error) {
	raw, err := c.client.Get(ctx, Key(machineID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// EvictActive removes the mirror for the machine.
func (c *RedisCache) EvictActive(ctx context.Context, machineID string) error {
	return c.client.Del(ctx, Key(machineID)).Err()
}
