// Package store provides the atomic TTL-bearing storage behind control
// locks. All mutations are single atomic primitives (set-if-absent,
// compare-owner-then-delete, compare-owner-then-expire); read-then-write
// sequences are deliberately not part of the interface.
package store

import (
	"context"
	"time"

	"fleet-control-plane/backend/internal/lock/domain"
)

// Store is the atomic lock storage. Implementations must enforce TTL expiry
// natively so a crashed holder cannot strand a lock.
type Store interface {
	// SetIfAbsent writes the lock only when no unexpired lock exists for the
	// machine. Returns false without side effects when the key is held.
	SetIfAbsent(ctx context.Context, lock *domain.ControlLock, ttl time.Duration) (bool, error)
	// Get returns the current lock with ExpiresAt derived from the remaining
	// TTL, or nil when the machine is unlocked.
	Get(ctx context.Context, machineID string) (*domain.ControlLock, error)
	// Release deletes the lock only when ownerID matches the current owner.
	// Returns false when the lock is absent or owned by someone else.
	Release(ctx context.Context, machineID, ownerID string) (bool, error)
	// Extend resets the TTL clock only when ownerID matches; the stored lock
	// fields are left untouched.
	Extend(ctx context.Context, machineID, ownerID string, ttl time.Duration) (bool, error)
	// ForceRelease deletes the lock unconditionally.
	ForceRelease(ctx context.Context, machineID string) error
}

// Key returns the store key for a machine's control lock.
func Key(machineID string) string {
	return "control:lock:" + machineID
}
