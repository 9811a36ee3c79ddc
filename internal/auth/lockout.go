package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/model"
	"github.com/signalix/mailer/internal/repo"
)

const (
	emailKeyPrefix = "email:"
	ipKeyPrefix    = "ip:"
)

// LockoutOptions configures the Tracker. A threshold of 0 disables that dimension.
type LockoutOptions struct {
	Threshold   int
	Duration    time.Duration
	IPThreshold int
	Now         func() time.Time
	Log         logging.Logger
}

// Tracker is the per-key login failure state machine. A key is Active while
// its counter is below the threshold and Locked while now < LockedUntil.
// Every read-check-write runs inside AttemptRepo.Update, so concurrent
// failures against one key are never lost.
type Tracker struct {
	attempts    repo.AttemptRepo
	threshold   int
	duration    time.Duration
	ipThreshold int
	now         func() time.Time
	log         logging.Logger
}

// NewTracker creates a lockout tracker over the given store
func NewTracker(attempts repo.AttemptRepo, opts LockoutOptions) (*Tracker, error) {
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("lockout threshold must be positive, got %d", opts.Threshold)
	}
	if opts.Duration <= 0 {
		return nil, fmt.Errorf("lockout duration must be positive, got %s", opts.Duration)
	}
	if opts.IPThreshold < 0 {
		return nil, fmt.Errorf("ip lockout threshold must not be negative, got %d", opts.IPThreshold)
	}
	t := &Tracker{
		attempts:    attempts,
		threshold:   opts.Threshold,
		duration:    opts.Duration,
		ipThreshold: opts.IPThreshold,
		now:         opts.Now,
		log:         opts.Log,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.log == nil {
		t.log = logging.Discard()
	}
	return t, nil
}

// EmailKey is the tracking key for a login identity. Unknown emails get a key too.
func EmailKey(email string) string {
	return emailKeyPrefix + model.NormalizeEmail(email)
}

// IPKey is the tracking key for a client address. Empty addresses are not tracked.
func IPKey(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	return ipKeyPrefix + ip
}

func (t *Tracker) thresholdFor(key string) int {
	if strings.HasPrefix(key, ipKeyPrefix) {
		return t.ipThreshold
	}
	return t.threshold
}

func (t *Tracker) tracked(key string) bool {
	return key != "" && t.thresholdFor(key) > 0
}

// CheckAdmissible returns nil when none of the keys is locked, or a
// *common.LockedError carrying the longest remaining lock. Elapsed locks are
// reset to Active on the way.
func (t *Tracker) CheckAdmissible(ctx context.Context, keys ...string) error {
	var longest time.Duration
	for _, key := range keys {
		if !t.tracked(key) {
			continue
		}
		state, err := t.attempts.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load attempt state: %w", err)
		}
		if state.LockedUntil == nil {
			continue
		}

		_, err = t.attempts.Update(ctx, key, func(s *model.AttemptState) error {
			now := t.now()
			if s.LockedAt(now) {
				return &common.LockedError{RetryAfter: s.LockedUntil.Sub(now)}
			}
			if s.LockedUntil != nil {
				s.FailureCount = 0
				s.LockedUntil = nil
				s.UpdatedAt = now
			}
			return nil
		})
		var locked *common.LockedError
		if errors.As(err, &locked) {
			if locked.RetryAfter > longest {
				longest = locked.RetryAfter
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("check attempt state: %w", err)
		}
	}
	if longest > 0 {
		return &common.LockedError{RetryAfter: longest}
	}
	return nil
}

// RecordFailure increments the counter of every key and locks a key when its
// counter reaches the threshold. An active lock is never extended.
func (t *Tracker) RecordFailure(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if !t.tracked(key) {
			continue
		}
		threshold := t.thresholdFor(key)
		var lockedNow bool
		state, err := t.attempts.Update(ctx, key, func(s *model.AttemptState) error {
			now := t.now()
			lockedNow = false
			if s.LockedUntil != nil && !s.LockedAt(now) {
				s.FailureCount = 0
				s.LockedUntil = nil
			}
			s.FailureCount++
			s.UpdatedAt = now
			if s.FailureCount >= threshold && s.LockedUntil == nil {
				until := now.Add(t.duration)
				s.LockedUntil = &until
				lockedNow = true
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		if lockedNow {
			t.log.Warn(ctx, "login key locked",
				"key", maskKey(key), "failures", state.FailureCount, "until", state.LockedUntil)
		}
	}
	return nil
}

// RecordSuccess clears the counter and lock of key. If a concurrent failure
// locked the key after CheckAdmissible ran, the reset is refused with a
// *common.LockedError so the login does not slip past the fresh lock.
func (t *Tracker) RecordSuccess(ctx context.Context, key string) error {
	if !t.tracked(key) {
		return nil
	}
	_, err := t.attempts.Update(ctx, key, func(s *model.AttemptState) error {
		now := t.now()
		if s.LockedAt(now) {
			return &common.LockedError{RetryAfter: s.LockedUntil.Sub(now)}
		}
		s.FailureCount = 0
		s.LockedUntil = nil
		s.UpdatedAt = now
		return nil
	})
	var locked *common.LockedError
	if errors.As(err, &locked) {
		return locked
	}
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// State returns the current attempt state of key
func (t *Tracker) State(ctx context.Context, key string) (model.AttemptState, error) {
	return t.attempts.Get(ctx, key)
}

// Prune drops states untouched for longer than idle whose lock has elapsed
func (t *Tracker) Prune(ctx context.Context, idle time.Duration) (int64, error) {
	n, err := t.attempts.PruneIdle(ctx, t.now().Add(-idle))
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return n, nil
}

func maskKey(key string) string {
	if strings.HasPrefix(key, emailKeyPrefix) {
		return emailKeyPrefix + logging.MaskEmail(strings.TrimPrefix(key, emailKeyPrefix))
	}
	return key
}
