package repository

import (
	"context"
	"database/sql"
	"errors"

	"fleet-control-plane/backend/internal/machine/domain"
)

// PostgresRepository persists machines in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a machine repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the machine for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Machine, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, model, location, created_at FROM machines WHERE id = $1`, id)
	var m domain.Machine
	if err := row.Scan(&m.ID, &m.Name, &m.Model, &m.Location, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Create persists the machine. The machine must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, m *domain.Machine) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO machines (id, name, model, location, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Name, m.Model, m.Location, m.CreatedAt,
	)
	return err
}
