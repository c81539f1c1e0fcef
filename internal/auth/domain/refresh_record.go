package domain

import "time"

// RevokeReason records why a refresh record was revoked. The reason is
// written once and never consulted to decide validity (revoked is revoked),
// but it keeps the reuse-detection branch auditable and distinct from an
// ordinary rotation.
type RevokeReason string

const (
	// RevokeReasonRotated: the token was redeemed normally and replaced.
	RevokeReasonRotated RevokeReason = "rotated"
	// RevokeReasonReuseDetected: an already-revoked token was presented
	// again; all of the subject's records were revoked in response.
	RevokeReasonReuseDetected RevokeReason = "reuse_detected"
	// RevokeReasonLogout: the subject logged out.
	RevokeReasonLogout RevokeReason = "logout"
	// RevokeReasonDisabled: the subject's account was found inactive.
	RevokeReasonDisabled RevokeReason = "disabled"
)

// RefreshRecord is the server-side state of one refresh-token issuance,
// keyed by the token's jti. RevokedAt transitions from nil to non-nil
// exactly once; once set the record is immutable.
type RefreshRecord struct {
	ID           string // jti
	SubjectID    string
	TokenHash    string // SHA-256 of the issued token; raw tokens are never stored
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	RevokeReason RevokeReason // empty while not revoked
	CreatedAt    time.Time
}

// Revoked reports whether the record has been revoked.
func (r *RefreshRecord) Revoked() bool { return r.RevokedAt != nil }

// Expired reports whether the record has passed its expiry at now.
func (r *RefreshRecord) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }
