package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/signalix/mailer/internal/auth"
	"github.com/signalix/mailer/internal/http/handlers"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/middleware"
)

// Deps bundles what the router needs
type Deps struct {
	Auth     *handlers.AuthHandler
	Messages *handlers.MessageHandler
	Health   *handlers.HealthHandler
	Codec    *auth.HandleCodec
	Sessions *auth.SessionManager
	// Limiter throttles the /auth routes per client address. Nil disables it.
	Limiter *middleware.RateLimiter
	// AccessLog enables chi's request logger
	AccessLog bool
	// TrustForwardedFor rewrites RemoteAddr from X-Forwarded-For and
	// X-Real-IP. Off, the socket address keys the rate limiter and IP lockout.
	TrustForwardedFor bool
	Log               logging.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if d.TrustForwardedFor {
		r.Use(chimw.RealIP)
	}
	if d.AccessLog {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)

	r.Get("/health", d.Health.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(middleware.RateLimitMiddleware(d.Limiter, middleware.GetIPKey))
		}
		r.Post("/register", d.Auth.HandleRegister)
		r.Post("/login", d.Auth.HandleLogin)
		r.Post("/logout", d.Auth.HandleLogout)
	})

	// Protected routes (require a valid session)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.Codec, d.Sessions, d.Log))

		r.Get("/me", d.Auth.HandleMe)
		r.Post("/me/password", d.Auth.HandleChangePassword)
		r.Get("/users", d.Auth.HandleListUsers)

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", d.Messages.HandleSend)
			r.Get("/inbox", d.Messages.HandleInbox)
			r.Get("/sent", d.Messages.HandleSent)
			r.Get("/unread_count", d.Messages.HandleUnreadCount)
			r.Get("/{id}", d.Messages.HandleRead)
			r.Put("/{id}/read", d.Messages.HandleMarkRead)
			r.Delete("/{id}", d.Messages.HandleDelete)
		})
	})

	return r
}
