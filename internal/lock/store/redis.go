package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-control-plane/backend/internal/lock/domain"
)

// Owner comparison happens inside Redis so release/extend stay atomic with
// respect to concurrent acquirers racing on an expiring key.
var (
	releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
if cjson.decode(v)["ownerId"] ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1`)

	extendScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
if cjson.decode(v)["ownerId"] ~= ARGV[1] then return 0 end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1`)
)

// RedisStore implements Store on Redis using SET NX PX and Lua scripts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a lock store backed by client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SetIfAbsent writes the lock with SET NX PX; the store-enforced TTL removes
// the need for an application sweeper.
func (s *RedisStore) SetIfAbsent(ctx context.Context, lock *domain.ControlLock, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(lock)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, Key(lock.MachineID), payload, ttl).Result()
}

// Get returns the current lock, deriving ExpiresAt from PTTL.
func (s *RedisStore) Get(ctx context.Context, machineID string) (*domain.ControlLock, error) {
	key := Key(machineID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var lock domain.ControlLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, err
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		lock.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	return &lock, nil
}

// Release deletes the lock when ownerID matches the stored owner.
func (s *RedisStore) Release(ctx context.Context, machineID, ownerID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{Key(machineID)}, ownerID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Extend resets the TTL clock via PEXPIRE when ownerID matches; the stored
// value is untouched.
func (s *RedisStore) Extend(ctx context.Context, machineID, ownerID string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{Key(machineID)}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ForceRelease deletes the lock unconditionally.
func (s *RedisStore) ForceRelease(ctx context.Context, machineID string) error {
	return s.client.Del(ctx, Key(machineID)).Err()
}
