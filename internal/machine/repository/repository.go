package repository

import (
	"context"

	"fleet-control-plane/backend/internal/machine/domain"
)

// Repository is the narrow machine-directory surface the core consumes.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Machine, error)
	Create(ctx context.Context, m *domain.Machine) error
}
