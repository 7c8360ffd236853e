package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"apex-test-suite/backend/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindMostRecent returns the session with the latest last_activity_at, or nil if none
// exists. It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) FindMostRecent(ctx context.Context) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, encrypted_access_token, encrypted_refresh_token, instance_url,
		       org_id, username, created_at, last_activity_at
		FROM auth_sessions
		ORDER BY last_activity_at DESC
		LIMIT 1`)
	var s domain.Session
	err := row.Scan(&s.ID, &s.EncryptedAccessToken, &s.EncryptedRefreshToken,
		&s.InstanceURL, &s.OrgID, &s.Username, &s.CreatedAt, &s.LastActivityAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ReplaceAll deletes every stored session and inserts s in a single transaction, so a
// concurrent FindMostRecent never observes two sessions or a deleted-but-not-yet-
// replaced gap.
func (r *PostgresRepository) ReplaceAll(ctx context.Context, s *domain.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_sessions`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, encrypted_access_token, encrypted_refresh_token,
			instance_url, org_id, username, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.EncryptedAccessToken, s.EncryptedRefreshToken, s.InstanceURL,
		s.OrgID, s.Username, s.CreatedAt, s.LastActivityAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteAll removes every stored session.
func (r *PostgresRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM auth_sessions`)
	return err
}

// UpdateLastActivity sets the activity timestamp on the stored session.
func (r *PostgresRepository) UpdateLastActivity(ctx context.Context, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE auth_sessions SET last_activity_at = $1`, at)
	return err
}
