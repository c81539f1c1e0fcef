package repository

import (
	"context"

	"fleet-control-plane/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	ListRecent(ctx context.Context, limit, offset int32) ([]*domain.AuditLog, error)
}
