// Package lock arbitrates exclusive control of machines. Exactly one
// unexpired lock may exist per machine; all mutations go through the atomic
// store primitives, never read-then-write.
package lock

import (
	"context"
	"fmt"
	"time"

	"fleet-control-plane/backend/internal/audit"
	"fleet-control-plane/backend/internal/lock/domain"
	"fleet-control-plane/backend/internal/lock/store"
)

// Manager arbitrates control locks over an atomic TTL store.
type Manager struct {
	store   store.Store
	ttl     time.Duration
	auditor audit.AuditLogger
}

// NewManager returns a Manager using the given store and default lock TTL.
// auditor may be nil.
func NewManager(s store.Store, ttl time.Duration, auditor audit.AuditLogger) *Manager {
	return &Manager{store: s, ttl: ttl, auditor: auditor}
}

// TTL reports the default lock lifetime between heartbeats.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire attempts to take control of the machine. Among concurrent callers
// exactly one wins; the others get acquired=false and the current holder so
// they can render "lock held by X". A conflict is a normal outcome, not an
// error; a store failure propagates as an error with no grant or denial.
func (m *Manager) Acquire(ctx context.Context, machineID, ownerID, ownerName, sessionID string, ttl time.Duration) (acquired bool, holder *domain.ControlLock, err error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := time.Now().UTC()
	lock := &domain.ControlLock{
		MachineID:  machineID,
		OwnerID:    ownerID,
		OwnerName:  ownerName,
		SessionID:  sessionID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	ok, err := m.store.SetIfAbsent(ctx, lock, ttl)
	if err != nil {
		return false, nil, fmt.Errorf("lock store: %w", err)
	}
	if !ok {
		holder, err = m.store.Get(ctx, machineID)
		if err != nil {
			return false, nil, fmt.Errorf("lock store: %w", err)
		}
		return false, holder, nil
	}
	m.logEvent(ctx, ownerID, "control.acquire", machineID)
	return true, nil, nil
}

// Release gives up control. Returns false when the caller is not the current
// owner; the lock is untouched in that case.
func (m *Manager) Release(ctx context.Context, machineID, ownerID string) (bool, error) {
	ok, err := m.store.Release(ctx, machineID, ownerID)
	if err != nil {
		return false, fmt.Errorf("lock store: %w", err)
	}
	if ok {
		m.logEvent(ctx, ownerID, "control.release", machineID)
	}
	return ok, nil
}

// Extend is the owner's heartbeat: it resets the expiry clock without
// changing any other lock field. Returns false for non-owners.
func (m *Manager) Extend(ctx context.Context, machineID, ownerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	ok, err := m.store.Extend(ctx, machineID, ownerID, ttl)
	if err != nil {
		return false, fmt.Errorf("lock store: %w", err)
	}
	return ok, nil
}

// ForceRelease removes the lock unconditionally. Reserved for elevated
// roles; always audited with an action distinct from a normal release.
func (m *Manager) ForceRelease(ctx context.Context, machineID, actorID string) error {
	if err := m.store.ForceRelease(ctx, machineID); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	m.logEvent(ctx, actorID, "control.force_release", machineID)
	return nil
}

// Get returns the current lock for the machine, or nil when unlocked.
func (m *Manager) Get(ctx context.Context, machineID string) (*domain.ControlLock, error) {
	lock, err := m.store.Get(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("lock store: %w", err)
	}
	return lock, nil
}

func (m *Manager) logEvent(ctx context.Context, actorID, action, machineID string) {
	if m.auditor == nil {
		return
	}
	m.auditor.LogEvent(ctx, actorID, action, "machine:"+machineID, "")
}
