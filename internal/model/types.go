package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User represents a registered identity
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	DisplayName  string
	CreatedAt    time.Time
}

// Trust is the device-trust level chosen at login
type Trust string

const (
	TrustPrivate Trust = "private"
	TrustPublic  Trust = "public"
)

// ParseTrust maps the login form value to a Trust. "shared" is an alias of public.
func ParseTrust(s string) (Trust, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "private":
		return TrustPrivate, true
	case "public", "shared", "":
		return TrustPublic, true
	}
	return "", false
}

// Session is the server-side record of an issued session token.
// Only the SHA-256 of the token is kept.
type Session struct {
	TokenHash string
	UserID    uuid.UUID
	Trust     Trust
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether the session has not yet expired at t
func (s Session) ValidAt(t time.Time) bool {
	return t.Before(s.ExpiresAt)
}

// AttemptState tracks consecutive login failures for one key (email or IP)
type AttemptState struct {
	Key          string
	FailureCount int
	LockedUntil  *time.Time
	UpdatedAt    time.Time
}

// LockedAt reports whether the lock is still in force at t
func (a AttemptState) LockedAt(t time.Time) bool {
	return a.LockedUntil != nil && t.Before(*a.LockedUntil)
}

// Message is a private message between two identities
type Message struct {
	ID          uuid.UUID
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Subject     string
	Body        string
	CreatedAt   time.Time
	ReadAt      *time.Time
	DeletedAt   *time.Time
}

// MessageView is a message joined with the display data of both participants
type MessageView struct {
	Message
	SenderEmail    string
	SenderName     string
	RecipientEmail string
	RecipientName  string
}

// Page bounds a list query
type Page struct {
	Limit  int
	Offset int
}

// NormalizeEmail returns the canonical (trimmed, lower-case) form used as the unique key
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
