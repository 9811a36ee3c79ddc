package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalix/mailer/internal/app"
	"github.com/signalix/mailer/internal/config"
	"github.com/signalix/mailer/internal/logging"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", "text").Error(context.Background(), "failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to open storage", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	a, err := app.New(cfg, stores, log, app.Options{AccessLog: true})
	if err != nil {
		log.Error(ctx, "failed to build server", "error", err)
		os.Exit(1)
	}
	a.RunBackground(ctx)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "server starting", "port", cfg.Port, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error(ctx, "server failed", "error", err)
	}

	log.Info(context.Background(), "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server forced to shutdown", "error", err)
	}

	log.Info(context.Background(), "server exited")
}
