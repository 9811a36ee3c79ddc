// Package logging defines the structured-logging interface used across the
// server. The only implementation wraps log/slog.
package logging

import (
	"context"
	"strings"
)

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key–value pairs, e.g.:
//
//	log.Info(ctx, "login failed", "email", logging.MaskEmail(email), "ip", ip)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key–value pairs.
	With(args ...any) Logger
}

// MaskEmail masks the local part of an address for logging (e.g. al***@example.com).
// It counts runes, so the output stays valid UTF-8.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return maskRunes(email, "****")
	}
	return maskRunes(email[:at], "**") + email[at:]
}

func maskRunes(s, short string) string {
	r := []rune(s)
	if len(r) <= 2 {
		return short
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-2)
}
