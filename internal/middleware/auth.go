package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/signalix/mailer/internal/auth"
	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/model"
)

// SessionCookieName carries the session handle for browser clients
const SessionCookieName = "mailer_session"

type contextKey string

const (
	sessionKey contextKey = "session"
	userIDKey  contextKey = "user_id"
)

// HandleFromRequest returns the session handle from the Authorization
// header or, failing that, the session cookie.
func HandleFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// TokenFromRequest opens the request's handle and returns the raw session
// token inside it, or "" if there is none or it does not verify.
func TokenFromRequest(codec *auth.HandleCodec, r *http.Request) string {
	handle := HandleFromRequest(r)
	if handle == "" {
		return ""
	}
	token, err := codec.Open(handle)
	if err != nil {
		return ""
	}
	return token
}

// AuthMiddleware validates the session handle and attaches the caller's
// identity to the context. Missing, forged, expired and revoked handles all
// get the same 401. Storage failures are logged and answered with 500.
func AuthMiddleware(codec *auth.HandleCodec, sessions *auth.SessionManager, log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(codec, r)
			if token == "" {
				respondWithError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}

			session, err := sessions.Validate(r.Context(), token)
			if errors.Is(err, common.ErrInvalidSession) {
				respondWithError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if err != nil {
				log.Error(r.Context(), "session validation failed", "path", r.URL.Path, "error", err)
				respondWithError(w, http.StatusInternalServerError, "internal_error")
				return
			}

			ctx := context.WithValue(r.Context(), sessionKey, session)
			ctx = context.WithValue(ctx, userIDKey, session.UserID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession returns the session attached to the request context (set by AuthMiddleware)
func GetSession(ctx context.Context) (model.Session, bool) {
	s, ok := ctx.Value(sessionKey).(model.Session)
	return s, ok
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

// ClientIP returns the request's remote address without the port
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
