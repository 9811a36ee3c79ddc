package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/model"
	"github.com/signalix/mailer/internal/repo"
)

const sessionTokenBytes = 32

// SessionOptions configures the SessionManager
type SessionOptions struct {
	PrivateTTL time.Duration
	PublicTTL  time.Duration
	Now        func() time.Time
	Log        logging.Logger
}

// IssuedSession is a freshly issued session. Token is the raw secret; only
// its hash is stored.
type IssuedSession struct {
	Token     string
	UserID    uuid.UUID
	Trust     model.Trust
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionManager issues, validates and revokes server-side sessions
type SessionManager struct {
	sessions   repo.SessionRepo
	privateTTL time.Duration
	publicTTL  time.Duration
	now        func() time.Time
	log        logging.Logger
}

// NewSessionManager creates a session manager. The private TTL must be
// strictly longer than the public one.
func NewSessionManager(sessions repo.SessionRepo, opts SessionOptions) (*SessionManager, error) {
	if opts.PublicTTL <= 0 {
		return nil, fmt.Errorf("public session TTL must be positive, got %s", opts.PublicTTL)
	}
	if opts.PrivateTTL <= opts.PublicTTL {
		return nil, fmt.Errorf("private session TTL (%s) must exceed public TTL (%s)", opts.PrivateTTL, opts.PublicTTL)
	}
	m := &SessionManager{
		sessions:   sessions,
		privateTTL: opts.PrivateTTL,
		publicTTL:  opts.PublicTTL,
		now:        opts.Now,
		log:        opts.Log,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = logging.Discard()
	}
	return m, nil
}

// TTL returns the lifetime for a trust level. Anything but private gets the short one.
func (m *SessionManager) TTL(trust model.Trust) time.Duration {
	if trust == model.TrustPrivate {
		return m.privateTTL
	}
	return m.publicTTL
}

// Issue creates a new session for userID. previousToken, if not empty, is
// revoked so a token held before authentication never survives it.
func (m *SessionManager) Issue(ctx context.Context, userID uuid.UUID, trust model.Trust, previousToken string) (IssuedSession, error) {
	if trust != model.TrustPrivate {
		trust = model.TrustPublic
	}
	if previousToken != "" {
		if err := m.Revoke(ctx, previousToken); err != nil {
			return IssuedSession{}, err
		}
	}

	token, hash, err := generateSessionToken()
	if err != nil {
		return IssuedSession{}, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := m.now().UTC()
	s := model.Session{
		TokenHash: hash,
		UserID:    userID,
		Trust:     trust,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.TTL(trust)),
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		return IssuedSession{}, fmt.Errorf("failed to store session: %w", err)
	}

	return IssuedSession{
		Token:     token,
		UserID:    userID,
		Trust:     trust,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
	}, nil
}

// Validate resolves a token to its session. Unknown, expired and revoked
// tokens all yield common.ErrInvalidSession. Expired rows are deleted here.
func (m *SessionManager) Validate(ctx context.Context, token string) (model.Session, error) {
	if token == "" {
		return model.Session{}, common.ErrInvalidSession
	}
	hash := hashSessionToken(token)
	s, err := m.sessions.Get(ctx, hash)
	if errors.Is(err, common.ErrNotFound) {
		return model.Session{}, common.ErrInvalidSession
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	if !s.ValidAt(m.now()) {
		if err := m.sessions.Delete(ctx, hash); err != nil {
			m.log.Warn(ctx, "failed to delete expired session", "error", err)
		}
		return model.Session{}, common.ErrInvalidSession
	}
	return s, nil
}

// Revoke deletes the session behind token. Revoking an unknown token is not an error.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.sessions.Delete(ctx, hashSessionToken(token)); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAll deletes every session of userID
func (m *SessionManager) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := m.sessions.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return n, nil
}

// Sweep deletes expired sessions. Validate already refuses them; this only reclaims storage.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.log.Error(ctx, "session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.log.Debug(ctx, "expired sessions removed", "count", n)
			}
		}
	}
}

// generateSessionToken returns a random Base64URL token (32 bytes) and its SHA256 hash as hex
func generateSessionToken() (token string, hashHex string, err error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, hashSessionToken(token), nil
}

// hashSessionToken returns SHA256 hex of the token
func hashSessionToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
