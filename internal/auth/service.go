package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/model"
	"github.com/signalix/mailer/internal/repo"
)

// MinPasswordLength is the shortest password Register and ChangePassword accept
const MinPasswordLength = 8

// LoginInput is a validated login request
type LoginInput struct {
	Email    string
	Password string
	Trust    model.Trust
	IP       string
	// PreviousToken is the session token the client presented before
	// authenticating, if any. It is revoked on success.
	PreviousToken string
}

// LoginResult is a successful login
type LoginResult struct {
	User    model.User
	Session IssuedSession
}

// AuthService orchestrates authentication operations
type AuthService struct {
	users    repo.UserRepo
	hasher   PasswordHasher
	tracker  *Tracker
	sessions *SessionManager
	log      logging.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(
	users repo.UserRepo,
	hasher PasswordHasher,
	tracker *Tracker,
	sessions *SessionManager,
	log logging.Logger,
) *AuthService {
	if log == nil {
		log = logging.Discard()
	}
	return &AuthService{
		users:    users,
		hasher:   hasher,
		tracker:  tracker,
		sessions: sessions,
		log:      log,
	}
}

// Sessions exposes the session manager to the transport layer
func (s *AuthService) Sessions() *SessionManager {
	return s.sessions
}

// Register creates a new identity
func (s *AuthService) Register(ctx context.Context, email, password, displayName string) (model.User, error) {
	email = model.NormalizeEmail(email)
	displayName = strings.TrimSpace(displayName)
	if email == "" || !strings.Contains(email, "@") {
		return model.User{}, common.Invalid("a valid email is required")
	}
	if len(password) < MinPasswordLength {
		return model.User{}, common.Invalid("password must be at least %d characters", MinPasswordLength)
	}
	if displayName == "" {
		return model.User{}, common.Invalid("display name is required")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.Create(ctx, email, hash, displayName)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to create user: %w", err)
	}

	s.log.Info(ctx, "user registered", "user_id", user.ID, "email", logging.MaskEmail(email))
	return user, nil
}

// Login authenticates email/password and issues a new session.
//
// The lock check runs before the password is hashed, and a dummy hash is
// verified when the email is unknown, so unknown accounts and wrong
// passwords cost the same.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	emailKey := EmailKey(in.Email)
	ipKey := IPKey(in.IP)

	if err := s.tracker.CheckAdmissible(ctx, emailKey, ipKey); err != nil {
		if errors.Is(err, common.ErrAccountLocked) {
			s.log.Info(ctx, "login refused: locked", "email", logging.MaskEmail(in.Email), "ip", in.IP)
		}
		return LoginResult{}, err
	}

	user, err := s.users.GetByEmail(ctx, in.Email)
	if errors.Is(err, common.ErrNotFound) {
		s.hasher.VerifyDummy(in.Password)
		return LoginResult{}, s.failLogin(ctx, in, emailKey, ipKey)
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("failed to load user: %w", err)
	}

	ok, err := s.hasher.Verify(in.Password, user.PasswordHash)
	if err != nil {
		return LoginResult{}, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return LoginResult{}, s.failLogin(ctx, in, emailKey, ipKey)
	}

	if err := s.tracker.RecordSuccess(ctx, emailKey); err != nil {
		return LoginResult{}, err
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.rehash(ctx, user, in.Password)
	}

	session, err := s.sessions.Issue(ctx, user.ID, in.Trust, in.PreviousToken)
	if err != nil {
		return LoginResult{}, err
	}

	s.log.Info(ctx, "login succeeded", "user_id", user.ID, "trust", session.Trust, "ip", in.IP)
	return LoginResult{User: user, Session: session}, nil
}

func (s *AuthService) failLogin(ctx context.Context, in LoginInput, keys ...string) error {
	if err := s.tracker.RecordFailure(ctx, keys...); err != nil {
		return err
	}
	s.log.Info(ctx, "login failed", "email", logging.MaskEmail(in.Email), "ip", in.IP)
	return common.ErrInvalidCredentials
}

func (s *AuthService) rehash(ctx context.Context, user model.User, password string) {
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.log.Warn(ctx, "password rehash failed", "user_id", user.ID, "error", err)
	}
}

// Logout revokes the session behind token. Unknown tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, token)
}

// Me returns the identity behind userID
func (s *AuthService) Me(ctx context.Context, userID uuid.UUID) (model.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// ChangePassword verifies the current password, stores the new hash,
// revokes every session of the identity and issues a fresh one.
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string, trust model.Trust) (IssuedSession, error) {
	if len(next) < MinPasswordLength {
		return IssuedSession{}, common.Invalid("password must be at least %d characters", MinPasswordLength)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return IssuedSession{}, fmt.Errorf("failed to load user: %w", err)
	}

	emailKey := EmailKey(user.Email)
	if err := s.tracker.CheckAdmissible(ctx, emailKey); err != nil {
		return IssuedSession{}, err
	}
	ok, err := s.hasher.Verify(current, user.PasswordHash)
	if err != nil {
		return IssuedSession{}, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		if err := s.tracker.RecordFailure(ctx, emailKey); err != nil {
			return IssuedSession{}, err
		}
		return IssuedSession{}, common.ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return IssuedSession{}, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return IssuedSession{}, fmt.Errorf("failed to update password: %w", err)
	}

	revoked, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		return IssuedSession{}, err
	}
	session, err := s.sessions.Issue(ctx, userID, trust, "")
	if err != nil {
		return IssuedSession{}, err
	}

	s.log.Info(ctx, "password changed", "user_id", userID, "sessions_revoked", revoked)
	return session, nil
}

// ListUsers returns the directory of identities other than the caller
func (s *AuthService) ListUsers(ctx context.Context, callerID uuid.UUID) ([]model.User, error) {
	users, err := s.users.List(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}
