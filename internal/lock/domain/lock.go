package domain

import "time"

// ControlLock is the mutual-exclusion claim giving one session the exclusive
// right to send control commands to a machine. It lives in an external store
// with native TTL expiry; absence means the machine is unlocked.
type ControlLock struct {
	MachineID  string    `json:"machineId"`
	OwnerID    string    `json:"ownerId"`
	OwnerName  string    `json:"ownerName"`
	SessionID  string    `json:"sessionId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	// ExpiresAt is derived from the store's remaining TTL at read time, so
	// heartbeat extensions never have to rewrite the stored value.
	ExpiresAt time.Time `json:"expiresAt"`
}
