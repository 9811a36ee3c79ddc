package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/model"
)

// SessionRepo stores server-side session records keyed by token hash
type SessionRepo interface {
	Create(ctx context.Context, s model.Session) error
	Get(ctx context.Context, tokenHash string) (model.Session, error)
	// Delete is idempotent: deleting an unknown hash is not an error
	Delete(ctx context.Context, tokenHash string) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

// Create inserts a new session
func (r *sessionRepo) Create(ctx context.Context, s model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, trust, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.TokenHash, s.UserID, string(s.Trust), s.IssuedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns the session for the hash regardless of expiry; the caller decides validity
func (r *sessionRepo) Get(ctx context.Context, tokenHash string) (model.Session, error) {
	var s model.Session
	var trust string
	err := r.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, trust, issued_at, expires_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash).Scan(&s.TokenHash, &s.UserID, &trust, &s.IssuedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, fmt.Errorf("session: %w", common.ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("find session: %w", err)
	}
	s.Trust = model.Trust(trust)
	return s, nil
}

// Delete removes the session
func (r *sessionRepo) Delete(ctx context.Context, tokenHash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteAllForUser revokes every session of the user (password rotation)
func (r *sessionRepo) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions for user: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteExpired reclaims rows whose expiry has passed
func (r *sessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
