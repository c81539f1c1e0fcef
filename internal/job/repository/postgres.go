package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"fleet-control-plane/backend/internal/job/domain"
)

const jobColumns = `id, machine_id, program_id, target_count, completed_count, status, one_cycle_stop, created_at, started_at, completed_at`

// PostgresRepository persists jobs in Postgres. The jobs table carries a
// partial unique index on machine_id over non-terminal statuses, so the
// one-active-job-per-machine invariant holds under concurrent creates.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a job repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the job, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetActiveByMachine returns the machine's non-terminal job, or nil when the
// machine is idle.
func (r *PostgresRepository) GetActiveByMachine(ctx context.Context, machineID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE machine_id = $1 AND status NOT IN ('COMPLETED', 'CANCELLED')`, machineID)
	return scanJob(row)
}

// Create inserts the job. A violation of the active-job index maps to
// ErrDuplicateActiveJob; everything else propagates.
func (r *PostgresRepository) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, machine_id, program_id, target_count, completed_count, status, one_cycle_stop, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.MachineID, job.ProgramID, job.TargetCount, job.CompletedCount,
		string(job.Status), job.OneCycleStop, job.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateActiveJob
	}
	return err
}

// Start moves a PENDING or PAUSED job to RUNNING. started_at is set on the
// first start only; a resume from PAUSED leaves it untouched.
func (r *PostgresRepository) Start(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'RUNNING', started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status IN ('PENDING', 'PAUSED')
		RETURNING `+jobColumns, id, time.Now().UTC())
	return scanJob(row)
}

// Pause moves a RUNNING job to PAUSED.
func (r *PostgresRepository) Pause(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'PAUSED'
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING `+jobColumns, id)
	return scanJob(row)
}

// Cancel moves any non-terminal job to CANCELLED and stamps completed_at.
func (r *PostgresRepository) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'CANCELLED', completed_at = $2
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'CANCELLED')
		RETURNING `+jobColumns, id, time.Now().UTC())
	return scanJob(row)
}

// SetOneCycleStop toggles the stop-after-current-cycle flag on a RUNNING job.
func (r *PostgresRepository) SetOneCycleStop(ctx context.Context, id string, enabled bool) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET one_cycle_stop = $2
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING `+jobColumns, id, enabled)
	return scanJob(row)
}

// IncrementCompleted counts one finished cycle on a RUNNING job, flipping to
// COMPLETED in the same statement when the target is reached. The single
// update keeps completed_count monotonic under concurrent completion events.
func (r *PostgresRepository) IncrementCompleted(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			completed_count = completed_count + 1,
			status = CASE WHEN completed_count + 1 >= target_count THEN 'COMPLETED' ELSE status END,
			completed_at = CASE WHEN completed_count + 1 >= target_count THEN $2 ELSE completed_at END
		WHERE id = $1 AND status = 'RUNNING'
		RETURNING `+jobColumns, id, time.Now().UTC())
	return scanJob(row)
}

func scanJob(row *sql.Row) (*domain.Job, error) {
	var job domain.Job
	var status string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.MachineID, &job.ProgramID, &job.TargetCount,
		&job.CompletedCount, &status, &job.OneCycleStop, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	job.Status = domain.Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
