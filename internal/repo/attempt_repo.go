package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/signalix/mailer/internal/model"
)

// AttemptRepo stores login failure state per key.
//
// Update runs fn against the current state of key and persists the result
// atomically with respect to every other Update on the same key. fn receives
// a zero state (FailureCount 0, no lock) when nothing is stored. If fn
// returns an error nothing is written. A state with no failures and no lock
// is removed rather than stored. fn may be invoked more than once by
// optimistic implementations, so it must not have side effects.
type AttemptRepo interface {
	Get(ctx context.Context, key string) (model.AttemptState, error)
	Update(ctx context.Context, key string, fn func(*model.AttemptState) error) (model.AttemptState, error)
	// PruneIdle drops unlocked state last updated before cutoff
	PruneIdle(ctx context.Context, cutoff time.Time) (int64, error)
}

func isCleared(s model.AttemptState) bool {
	return s.FailureCount == 0 && s.LockedUntil == nil
}

type attemptRepo struct {
	db *sql.DB
}

// NewAttemptRepo creates a Postgres-backed AttemptRepo
func NewAttemptRepo(db *sql.DB) AttemptRepo {
	return &attemptRepo{db: db}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *attemptRepo) load(ctx context.Context, q queryRower, key string, forUpdate bool) (model.AttemptState, error) {
	query := `SELECT failure_count, locked_until, updated_at FROM login_attempts WHERE key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	state := model.AttemptState{Key: key}
	var lockedUntil sql.NullTime
	err := q.QueryRowContext(ctx, query, key).Scan(&state.FailureCount, &lockedUntil, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state, nil
		}
		return model.AttemptState{}, fmt.Errorf("query login attempts: %w", err)
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		state.LockedUntil = &t
	}
	return state, nil
}

// Get returns the stored state or a zero state
func (r *attemptRepo) Get(ctx context.Context, key string) (model.AttemptState, error) {
	return r.load(ctx, r.db, key, false)
}

// Update serializes writers per key with a transaction-scoped advisory lock,
// which also covers the case where no row exists yet.
func (r *attemptRepo) Update(ctx context.Context, key string, fn func(*model.AttemptState) error) (model.AttemptState, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AttemptState{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, key); err != nil {
		return model.AttemptState{}, fmt.Errorf("advisory lock: %w", err)
	}

	state, err := r.load(ctx, tx, key, true)
	if err != nil {
		return model.AttemptState{}, err
	}
	if err := fn(&state); err != nil {
		return state, err
	}
	state.Key = key

	if isCleared(state) {
		_, err = tx.ExecContext(ctx, `DELETE FROM login_attempts WHERE key = $1`, key)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO login_attempts (key, failure_count, locked_until, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE
			SET failure_count = EXCLUDED.failure_count,
			    locked_until = EXCLUDED.locked_until,
			    updated_at = EXCLUDED.updated_at
		`, key, state.FailureCount, state.LockedUntil, state.UpdatedAt)
	}
	if err != nil {
		return model.AttemptState{}, fmt.Errorf("write login attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.AttemptState{}, fmt.Errorf("commit: %w", err)
	}
	return state, nil
}

// PruneIdle deletes stale rows whose lock (if any) has lapsed
func (r *attemptRepo) PruneIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM login_attempts
		WHERE updated_at < $1 AND (locked_until IS NULL OR locked_until < $1)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune login attempts: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
