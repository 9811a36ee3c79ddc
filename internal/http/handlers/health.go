package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger is satisfied by *sql.DB and by the Redis client adapter
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler serves GET /health
type HealthHandler struct {
	deps map[string]Pinger
}

// NewHealthHandler creates a health handler that pings the given dependencies
func NewHealthHandler(deps map[string]Pinger) *HealthHandler {
	return &HealthHandler{deps: deps}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.deps {
		if err := p.PingContext(ctx); err != nil {
			failed[name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		_ = respondJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "failed": failed})
		return
	}
	_ = respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
