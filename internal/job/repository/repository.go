package repository

import (
	"context"
	"errors"

	"fleet-control-plane/backend/internal/job/domain"
)

// ErrDuplicateActiveJob is returned by Create when the machine already has a
// non-terminal job. The partial unique index makes the check atomic; there is
// no read-then-write window.
var ErrDuplicateActiveJob = errors.New("machine already has an active job")

// Repository persists jobs. Every transition method is a conditional update
// keyed on the current status: it returns the updated job, or nil when no row
// was in an eligible state. Callers treat nil as a lost race or an invalid
// transition, never as a database failure.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetActiveByMachine(ctx context.Context, machineID string) (*domain.Job, error)
	Create(ctx context.Context, job *domain.Job) error
	Start(ctx context.Context, id string) (*domain.Job, error)
	Pause(ctx context.Context, id string) (*domain.Job, error)
	Cancel(ctx context.Context, id string) (*domain.Job, error)
	SetOneCycleStop(ctx context.Context, id string, enabled bool) (*domain.Job, error)
	IncrementCompleted(ctx context.Context, id string) (*domain.Job, error)
}
