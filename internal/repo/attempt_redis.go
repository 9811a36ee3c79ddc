package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalix/mailer/internal/model"
)

const (
	attemptKeyPrefix   = "login_attempt:"
	maxOptimisticRetry = 16
)

type redisAttempt struct {
	FailureCount int        `json:"failure_count"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type redisAttemptRepo struct {
	rdb     *redis.Client
	idleTTL time.Duration
}

// NewRedisAttemptRepo stores attempt state in Redis. Every key expires after
// idleTTL without writes (plus any remaining lock time), which bounds the
// state an attacker can create with made-up emails.
func NewRedisAttemptRepo(rdb *redis.Client, idleTTL time.Duration) AttemptRepo {
	return &redisAttemptRepo{rdb: rdb, idleTTL: idleTTL}
}

func redisAttemptKey(key string) string {
	return attemptKeyPrefix + key
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *redisAttemptRepo) load(ctx context.Context, c redisGetter, key string) (model.AttemptState, error) {
	state := model.AttemptState{Key: key}
	data, err := c.Get(ctx, redisAttemptKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return state, nil
		}
		return model.AttemptState{}, fmt.Errorf("redis get attempt: %w", err)
	}
	var rec redisAttempt
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.AttemptState{}, fmt.Errorf("decode attempt: %w", err)
	}
	state.FailureCount = rec.FailureCount
	state.LockedUntil = rec.LockedUntil
	state.UpdatedAt = rec.UpdatedAt
	return state, nil
}

func (r *redisAttemptRepo) Get(ctx context.Context, key string) (model.AttemptState, error) {
	return r.load(ctx, r.rdb, key)
}

func (r *redisAttemptRepo) ttlFor(state model.AttemptState) time.Duration {
	ttl := r.idleTTL
	if state.LockedUntil != nil {
		if remaining := state.LockedUntil.Sub(state.UpdatedAt); remaining > 0 {
			ttl += remaining
		}
	}
	return ttl
}

// Update uses WATCH/MULTI and retries when another writer touched the key.
func (r *redisAttemptRepo) Update(ctx context.Context, key string, fn func(*model.AttemptState) error) (model.AttemptState, error) {
	rkey := redisAttemptKey(key)
	var result model.AttemptState

	txf := func(tx *redis.Tx) error {
		state, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(&state); err != nil {
			result = state
			return err
		}
		state.Key = key

		var payload []byte
		if !isCleared(state) {
			payload, err = json.Marshal(redisAttempt{
				FailureCount: state.FailureCount,
				LockedUntil:  state.LockedUntil,
				UpdatedAt:    state.UpdatedAt,
			})
			if err != nil {
				return fmt.Errorf("encode attempt: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if payload == nil {
				pipe.Del(ctx, rkey)
			} else {
				pipe.Set(ctx, rkey, payload, r.ttlFor(state))
			}
			return nil
		})
		if err == nil {
			result = state
		}
		return err
	}

	for i := 0; i < maxOptimisticRetry; i++ {
		err := r.rdb.Watch(ctx, txf, rkey)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return model.AttemptState{}, fmt.Errorf("update attempt %s: too much contention", key)
}

// PruneIdle is a no-op: Redis expires idle keys itself.
func (r *redisAttemptRepo) PruneIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
