package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/mailer/internal/auth"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/model"
	"github.com/signalix/mailer/internal/repo"
)

const testSecret = "middleware-test-secret-0123456789abcdef"

func newSessionStack(t *testing.T) (*auth.HandleCodec, *auth.SessionManager) {
	t.Helper()
	sessions, err := auth.NewSessionManager(repo.NewMemorySessionRepo(), auth.SessionOptions{
		PrivateTTL: time.Hour,
		PublicTTL:  time.Minute,
	})
	require.NoError(t, err)
	return auth.NewHandleCodec(testSecret, nil), sessions
}

func protected(codec *auth.HandleCodec, sessions *auth.SessionManager) http.Handler {
	return AuthMiddleware(codec, sessions, logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetUserID(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s, _ := GetSession(r.Context())
		w.Header().Set("X-User", id.String())
		w.Header().Set("X-Trust", string(s.Trust))
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthMiddleware(t *testing.T) {
	codec, sessions := newSessionStack(t)
	h := protected(codec, sessions)
	userID := uuid.New()

	issued, err := sessions.Issue(context.Background(), userID, model.TrustPrivate, "")
	require.NoError(t, err)
	handle, err := codec.Seal(issued)
	require.NoError(t, err)

	t.Run("A_bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+handle)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, userID.String(), rec.Header().Get("X-User"))
		assert.Equal(t, "private", rec.Header().Get("X-Trust"))
	})

	t.Run("B_cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: handle})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("C_missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"unauthenticated"}`, rec.Body.String())
	})

	t.Run("D_raw_token_is_not_a_handle", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+issued.Token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("E_revoked", func(t *testing.T) {
		require.NoError(t, sessions.Revoke(context.Background(), issued.Token))
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+handle)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

// brokenSessionRepo fails every lookup the way an unreachable database would
type brokenSessionRepo struct {
	repo.SessionRepo
}

func (brokenSessionRepo) Get(ctx context.Context, tokenHash string) (model.Session, error) {
	return model.Session{}, errors.New("connection refused")
}

func TestAuthMiddleware_StorageFailureIsInternal(t *testing.T) {
	store := repo.NewMemorySessionRepo()
	sessions, err := auth.NewSessionManager(store, auth.SessionOptions{PrivateTTL: time.Hour, PublicTTL: time.Minute})
	require.NoError(t, err)
	codec := auth.NewHandleCodec(testSecret, nil)

	issued, err := sessions.Issue(context.Background(), uuid.New(), model.TrustPublic, "")
	require.NoError(t, err)
	handle, err := codec.Seal(issued)
	require.NoError(t, err)

	broken, err := auth.NewSessionManager(brokenSessionRepo{SessionRepo: store}, auth.SessionOptions{PrivateTTL: time.Hour, PublicTTL: time.Minute})
	require.NoError(t, err)

	var buf bytes.Buffer
	log := logging.New(&buf, "info", "text")
	h := AuthMiddleware(codec, broken, log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+handle)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal_error"}`, rec.Body.String())
	assert.Contains(t, buf.String(), "session validation failed")
	assert.Contains(t, buf.String(), "connection refused")
}

func TestHandleFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", HandleFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie"})
	assert.Equal(t, "", HandleFromRequest(req), "a non-bearer header is not replaced by the cookie")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("ip:1"))
	assert.True(t, rl.Allow("ip:1"))
	assert.False(t, rl.Allow("ip:1"))
	assert.True(t, rl.Allow("ip:2"), "keys have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("ip:1"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, rl.Cleanup())
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, time.Minute)
	h := RateLimitMiddleware(rl, GetIPKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", ClientIP(req))
	req.RemoteAddr = "192.0.2.9"
	assert.Equal(t, "192.0.2.9", ClientIP(req))
	assert.Equal(t, "ip:192.0.2.9", GetIPKey(req))
}
