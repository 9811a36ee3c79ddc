package handlers

import (
	"net/http"
	"time"

	"github.com/signalix/mailer/internal/auth"
	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/middleware"
	"github.com/signalix/mailer/internal/model"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService  *auth.AuthService
	codec        *auth.HandleCodec
	cookieSecure bool
	log          logging.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(
	authService *auth.AuthService,
	codec *auth.HandleCodec,
	cookieSecure bool,
	log logging.Logger,
) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		codec:        codec,
		cookieSecure: cookieSecure,
		log:          log,
	}
}

// registerRequest is the request body for POST /auth/register
type registerRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	DisplayName string `json:"display_name" validate:"required,min=1,max=64"`
}

// loginRequest is the request body for POST /auth/login
type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=128"`
	Trust    string `json:"trust" validate:"omitempty,oneof=private public shared"`
}

// changePasswordRequest is the request body for POST /me/password
type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=128"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// sessionResponse is returned whenever a session is issued
type sessionResponse struct {
	SessionToken string        `json:"session_token"`
	TokenType    string        `json:"token_type"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Trust        model.Trust   `json:"trust"`
	User         *userResponse `json:"user,omitempty"`
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:          u.ID.String(),
		Email:       u.Email,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValid[registerRequest](w, r)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	user, err := h.authService.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	_ = respondJSON(w, http.StatusCreated, toUserResponse(user))
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValid[loginRequest](w, r)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}
	trust, _ := model.ParseTrust(req.Trust)

	res, err := h.authService.Login(r.Context(), auth.LoginInput{
		Email:         req.Email,
		Password:      req.Password,
		Trust:         trust,
		IP:            middleware.ClientIP(r),
		PreviousToken: middleware.TokenFromRequest(h.codec, r),
	})
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	user := toUserResponse(res.User)
	h.respondWithSession(w, r, http.StatusOK, res.Session, &user)
}

// HandleLogout handles POST /auth/logout. It succeeds with or without a valid session.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.TokenFromRequest(h.codec, r); token != "" {
		if err := h.authService.Logout(r.Context(), token); err != nil {
			respondWithServiceError(w, r, h.log, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	_ = respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithServiceError(w, r, h.log, common.ErrUnauthenticated)
		return
	}

	user, err := h.authService.Me(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	_ = respondJSON(w, http.StatusOK, toUserResponse(user))
}

// HandleChangePassword handles POST /me/password (protected). Every session
// of the caller is revoked and a new one is returned.
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		respondWithServiceError(w, r, h.log, common.ErrUnauthenticated)
		return
	}
	req, err := decodeValid[changePasswordRequest](w, r)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	issued, err := h.authService.ChangePassword(r.Context(), session.UserID, req.CurrentPassword, req.NewPassword, session.Trust)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	h.respondWithSession(w, r, http.StatusOK, issued, nil)
}

// HandleListUsers handles GET /users (protected)
func (h *AuthHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithServiceError(w, r, h.log, common.ErrUnauthenticated)
		return
	}

	users, err := h.authService.ListUsers(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	_ = respondJSON(w, http.StatusOK, map[string]any{"users": out})
}

// respondWithSession seals the session into a handle, sets the cookie and
// writes the JSON body. Public sessions get a browser-session cookie.
func (h *AuthHandler) respondWithSession(w http.ResponseWriter, r *http.Request, status int, s auth.IssuedSession, user *userResponse) {
	handle, err := h.codec.Seal(s)
	if err != nil {
		respondWithServiceError(w, r, h.log, err)
		return
	}

	cookie := &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    handle,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
	if s.Trust == model.TrustPrivate {
		cookie.MaxAge = int(s.ExpiresAt.Sub(s.IssuedAt).Seconds())
	}
	http.SetCookie(w, cookie)

	_ = respondJSON(w, status, sessionResponse{
		SessionToken: handle,
		TokenType:    "bearer",
		ExpiresAt:    s.ExpiresAt,
		Trust:        s.Trust,
		User:         user,
	})
}
