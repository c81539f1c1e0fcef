package store

import (
	"context"
	"sync"
	"time"

	"fleet-control-plane/backend/internal/lock/domain"
)

type memoryEntry struct {
	lock     domain.ControlLock
	deadline time.Time
}

// MemoryStore implements Store in process memory with the same expiry
// semantics as the Redis store. For tests and single-process development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// live returns the unexpired entry for machineID, pruning an expired one.
// Caller must hold mu.
func (s *MemoryStore) live(machineID string) (memoryEntry, bool) {
	e, ok := s.entries[machineID]
	if !ok {
		return memoryEntry{}, false
	}
	if s.now().After(e.deadline) {
		delete(s.entries, machineID)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, lock *domain.ControlLock, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.live(lock.MachineID); held {
		return false, nil
	}
	s.entries[lock.MachineID] = memoryEntry{lock: *lock, deadline: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, machineID string) (*domain.ControlLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, held := s.live(machineID)
	if !held {
		return nil, nil
	}
	lock := e.lock
	lock.ExpiresAt = e.deadline
	return &lock, nil
}

func (s *MemoryStore) Release(ctx context.Context, machineID, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, held := s.live(machineID)
	if !held || e.lock.OwnerID != ownerID {
		return false, nil
	}
	delete(s.entries, machineID)
	return true, nil
}

func (s *MemoryStore) Extend(ctx context.Context, machineID, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, held := s.live(machineID)
	if !held || e.lock.OwnerID != ownerID {
		return false, nil
	}
	e.deadline = s.now().Add(ttl)
	s.entries[machineID] = e
	return true, nil
}

func (s *MemoryStore) ForceRelease(ctx context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, machineID)
	return nil
}
