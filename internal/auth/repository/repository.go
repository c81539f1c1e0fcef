package repository

import (
	"context"

	"fleet-control-plane/backend/internal/auth/domain"
)

// Repository defines persistence for refresh records.
//
// Revoke is conditional: it succeeds only when the record is not yet
// revoked, so two concurrent redemptions of the same jti cannot both win.
type Repository interface {
	GetByJTI(ctx context.Context, jti string) (*domain.RefreshRecord, error)
	Create(ctx context.Context, rec *domain.RefreshRecord) error
	// Revoke marks the record revoked with the given reason. Returns false
	// when the record is absent or already revoked.
	Revoke(ctx context.Context, jti string, reason domain.RevokeReason) (bool, error)
	// RevokeAllBySubject revokes every non-revoked record belonging to the
	// subject. Returns the number of records revoked.
	RevokeAllBySubject(ctx context.Context, subjectID string, reason domain.RevokeReason) (int, error)
}
