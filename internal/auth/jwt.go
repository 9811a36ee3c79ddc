package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/signalix/mailer/internal/common"
)

// HandleClaims is the payload of a session handle. SessionID is the raw
// session token; the server still decides whether that session is valid.
type HandleClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// HandleCodec wraps session tokens in HS256-signed JWTs so that forged or
// truncated handles are rejected before touching the session store.
type HandleCodec struct {
	secret []byte
	now    func() time.Time
}

// NewHandleCodec creates a new handle codec. now may be nil.
func NewHandleCodec(secret string, now func() time.Time) *HandleCodec {
	if now == nil {
		now = time.Now
	}
	return &HandleCodec{
		secret: []byte(secret),
		now:    now,
	}
}

// Seal signs a session token into a handle that expires with the session
func (c *HandleCodec) Seal(s IssuedSession) (string, error) {
	claims := &HandleClaims{
		SessionID: s.Token,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session handle: %w", err)
	}

	return tokenString, nil
}

// Open verifies a handle and returns the session token inside it.
// Every failure is reported as common.ErrInvalidSession.
func (c *HandleCodec) Open(handle string) (string, error) {
	token, err := jwt.ParseWithClaims(handle, &HandleClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrInvalidSession, err)
	}

	claims, ok := token.Claims.(*HandleClaims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return "", common.ErrInvalidSession
	}

	return claims.SessionID, nil
}
