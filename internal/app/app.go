// Package app wires configuration, storage and services into the HTTP
// handler served by cmd/api. Tests build the same graph over in-memory
// stores.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalix/mailer/internal/auth"
	"github.com/signalix/mailer/internal/config"
	"github.com/signalix/mailer/internal/db"
	httphandler "github.com/signalix/mailer/internal/http"
	"github.com/signalix/mailer/internal/http/handlers"
	"github.com/signalix/mailer/internal/logging"
	"github.com/signalix/mailer/internal/messaging"
	"github.com/signalix/mailer/internal/middleware"
	"github.com/signalix/mailer/internal/repo"
)

const (
	// attemptIdleTTL bounds how long an untouched login-attempt record is kept
	attemptIdleTTL = 24 * time.Hour
	// limiterIdle is how long an unused per-IP bucket is kept
	limiterIdle = 10 * time.Minute
)

// Stores are the repositories the services run on
type Stores struct {
	Users    repo.UserRepo
	Sessions repo.SessionRepo
	Attempts repo.AttemptRepo
	Messages repo.MessageRepo
	// Health lists the backends pinged by GET /health
	Health map[string]handlers.Pinger

	closers []func() error
}

// Close releases database and Redis connections
func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemoryStores returns process-local stores
func MemoryStores(cfg *config.Config) *Stores {
	users := repo.NewMemoryUserRepo()
	return &Stores{
		Users:    users,
		Sessions: repo.NewMemorySessionRepo(),
		Attempts: repo.NewMemoryAttemptRepo(cfg.MaxTrackedKeys),
		Messages: repo.NewMemoryMessageRepo(users),
		Health:   map[string]handlers.Pinger{},
	}
}

// PostgresStores returns stores over an open, migrated database
func PostgresStores(database *sql.DB) *Stores {
	return &Stores{
		Users:    repo.NewUserRepo(database),
		Sessions: repo.NewSessionRepo(database),
		Attempts: repo.NewAttemptRepo(database),
		Messages: repo.NewMessageRepo(database),
		Health:   map[string]handlers.Pinger{"postgres": database},
	}
}

// redisPinger adapts the Redis client to handlers.Pinger
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// OpenStores opens the backends selected by cfg. Postgres migrations run on
// startup. With REDIS_URL set, login-attempt state moves to Redis.
func OpenStores(ctx context.Context, cfg *config.Config, log logging.Logger) (*Stores, error) {
	var stores *Stores
	switch cfg.Storage {
	case config.StorageMemory:
		log.Warn(ctx, "using in-memory storage; data is lost on restart")
		stores = MemoryStores(cfg)
	default:
		database, err := db.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(database); err != nil {
			_ = database.Close()
			return nil, err
		}
		stores = PostgresStores(database)
		stores.closers = append(stores.closers, database.Close)
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			_ = stores.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		log.Info(ctx, "login attempt state in redis", "addr", opt.Addr)
		stores.Attempts = repo.NewRedisAttemptRepo(rdb, attemptIdleTTL)
		stores.Health["redis"] = redisPinger{rdb: rdb}
		stores.closers = append(stores.closers, rdb.Close)
	}
	return stores, nil
}

// Options override parts of the wiring, for tests
type Options struct {
	// Now replaces the wall clock in every time-dependent component
	Now func() time.Time
	// Argon2 replaces the hashing parameters from the config
	Argon2 *auth.Argon2Params
	// AccessLog enables chi's request logger
	AccessLog bool
}

// App is the wired server
type App struct {
	Handler  http.Handler
	Auth     *auth.AuthService
	Sessions *auth.SessionManager
	Tracker  *auth.Tracker
	Messages *messaging.Service

	cfg     *config.Config
	limiter *middleware.RateLimiter
	log     logging.Logger
}

// New builds the services and router over stores
func New(cfg *config.Config, stores *Stores, log logging.Logger, opts Options) (*App, error) {
	params := auth.Argon2Params{Time: cfg.Argon2Time, MemoryKiB: cfg.Argon2MemoryKiB, Threads: cfg.Argon2Threads}
	if opts.Argon2 != nil {
		params = *opts.Argon2
	}
	hasher, err := auth.NewArgon2Hasher(params)
	if err != nil {
		return nil, err
	}

	tracker, err := auth.NewTracker(stores.Attempts, auth.LockoutOptions{
		Threshold:   cfg.LockoutThreshold,
		Duration:    cfg.LockoutDuration,
		IPThreshold: cfg.IPLockoutThreshold,
		Now:         opts.Now,
		Log:         log.With("component", "lockout"),
	})
	if err != nil {
		return nil, err
	}

	sessions, err := auth.NewSessionManager(stores.Sessions, auth.SessionOptions{
		PrivateTTL: cfg.SessionTTLPrivate,
		PublicTTL:  cfg.SessionTTLPublic,
		Now:        opts.Now,
		Log:        log.With("component", "sessions"),
	})
	if err != nil {
		return nil, err
	}

	codec := auth.NewHandleCodec(cfg.SessionSecret, opts.Now)
	authService := auth.NewAuthService(stores.Users, hasher, tracker, sessions, log.With("component", "auth"))

	authz := messaging.NewAuthorizer(stores.Users, stores.Messages, messaging.AuthorizerOptions{
		AllowSelfMessaging: cfg.AllowSelfMessaging,
		Now:                opts.Now,
	})
	messageService := messaging.NewService(stores.Messages, authz, log.With("component", "messaging"))

	var limiter *middleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, limiterIdle)
	}

	router := httphandler.NewRouter(httphandler.Deps{
		Auth:      handlers.NewAuthHandler(authService, codec, cfg.CookieSecure, log),
		Messages:  handlers.NewMessageHandler(messageService, log),
		Health:    handlers.NewHealthHandler(stores.Health),
		Codec:     codec,
		Sessions:  sessions,
		Limiter:   limiter,
		AccessLog: opts.AccessLog,

		TrustForwardedFor: cfg.TrustForwardedFor,
		Log:               log.With("component", "http"),
	})

	return &App{
		Handler:  router,
		Auth:     authService,
		Sessions: sessions,
		Tracker:  tracker,
		Messages: messageService,
		cfg:      cfg,
		limiter:  limiter,
		log:      log,
	}, nil
}

// RunBackground starts the optional housekeeping loops. They stop when ctx is done.
func (a *App) RunBackground(ctx context.Context) {
	if a.cfg.SessionSweepInterval > 0 {
		go a.Sessions.RunSweeper(ctx, a.cfg.SessionSweepInterval)
		go a.runAttemptPruner(ctx, a.cfg.SessionSweepInterval)
	}
	if a.limiter != nil {
		go a.limiter.Run(ctx, limiterIdle)
	}
}

func (a *App) runAttemptPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Tracker.Prune(ctx, attemptIdleTTL)
			if err != nil {
				a.log.Error(ctx, "attempt prune failed", "error", err)
				continue
			}
			if n > 0 {
				a.log.Debug(ctx, "idle attempt states removed", "count", n)
			}
		}
	}
}
