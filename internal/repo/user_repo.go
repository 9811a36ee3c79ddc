package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/model"
)

// UserRepo is the credential store. Emails are compared in normalized form.
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	Create(ctx context.Context, email, passwordHash, displayName string) (model.User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, passwordHash string) error
	// List returns every identity except excludeID, ordered by display name
	List(ctx context.Context, excludeID uuid.UUID) ([]model.User, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `
		SELECT id, email, password_hash, display_name, created_at
		FROM users
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail retrieves a user by normalized email
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	query := `
		SELECT id, email, password_hash, display_name, created_at
		FROM users
		WHERE lower(email) = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, model.NormalizeEmail(email)))
}

func (r *userRepo) scanOne(row *sql.Row) (model.User, error) {
	var user model.User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user: %w", common.ErrNotFound)
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// Create inserts a new user. A duplicate normalized email yields ErrDuplicateIdentity.
func (r *userRepo) Create(ctx context.Context, email, passwordHash, displayName string) (model.User, error) {
	query := `
		INSERT INTO users (email, password_hash, display_name)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, display_name, created_at
	`
	user, err := r.scanOne(r.db.QueryRowContext(ctx, query, model.NormalizeEmail(email), passwordHash, displayName))
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, common.ErrDuplicateIdentity
		}
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

// UpdatePasswordHash rotates the stored hash
func (r *userRepo) UpdatePasswordHash(ctx context.Context, id uuid.UUID, passwordHash string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user: %w", common.ErrNotFound)
	}
	return nil
}

// List returns the directory of users, excluding the caller
func (r *userRepo) List(ctx context.Context, excludeID uuid.UUID) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, password_hash, display_name, created_at
		FROM users
		WHERE id <> $1
		ORDER BY display_name, email
	`, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}
