package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fleet-control-plane/backend/internal/auth/domain"
)

// PostgresRepository persists refresh records in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a refresh-record repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByJTI returns the record for jti, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByJTI(ctx context.Context, jti string) (*domain.RefreshRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, subject_id, token_hash, expires_at, revoked_at, revoke_reason, created_at
		FROM refresh_records WHERE id = $1`, jti)
	var rec domain.RefreshRecord
	var revokedAt sql.NullTime
	var reason sql.NullString
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.TokenHash, &rec.ExpiresAt, &revokedAt, &reason, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		rec.RevokedAt = &t
	}
	if reason.Valid {
		rec.RevokeReason = domain.RevokeReason(reason.String)
	}
	return &rec, nil
}

// Create persists the record. The record must have ID (jti) set.
func (r *PostgresRepository) Create(ctx context.Context, rec *domain.RefreshRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_records (id, subject_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.SubjectID, rec.TokenHash, rec.ExpiresAt, rec.CreatedAt,
	)
	return err
}

// Revoke marks the record revoked if and only if it is not already revoked.
// The WHERE guard makes concurrent redemptions of one jti serialize: exactly
// one caller observes true.
func (r *PostgresRepository) Revoke(ctx context.Context, jti string, reason domain.RevokeReason) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_records SET revoked_at = $2, revoke_reason = $3
		WHERE id = $1 AND revoked_at IS NULL`,
		jti, time.Now().UTC(), string(reason),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RevokeAllBySubject revokes every non-revoked record for the subject.
func (r *PostgresRepository) RevokeAllBySubject(ctx context.Context, subjectID string, reason domain.RevokeReason) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_records SET revoked_at = $2, revoke_reason = $3
		WHERE subject_id = $1 AND revoked_at IS NULL`,
		subjectID, time.Now().UTC(), string(reason),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
