package repository

import (
	"context"

	"fleet-control-plane/backend/internal/user/domain"
)

// Repository is the narrow user-directory surface the core consumes.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
}
