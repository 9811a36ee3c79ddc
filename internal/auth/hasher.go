package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argonSaltLen = 16
	argonKeyLen  = 32
)

var errMalformedHash = errors.New("malformed password hash")

// Argon2Params are the argon2id work factors
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultArgon2Params matches the RFC 9106 second recommended profile
var DefaultArgon2Params = Argon2Params{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

// PasswordHasher hashes and verifies passwords. VerifyDummy burns the same
// work as a real Verify and is used when the identity does not exist.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) (bool, error)
	VerifyDummy(plaintext string)
	NeedsRehash(encoded string) bool
}

// Argon2Hasher produces PHC-style argon2id strings:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
//
// bcrypt hashes ($2a$, $2b$, $2y$) are still accepted by Verify.
type Argon2Hasher struct {
	params Argon2Params
	dummy  string
}

// NewArgon2Hasher creates a hasher and precomputes the dummy hash
func NewArgon2Hasher(params Argon2Params) (*Argon2Hasher, error) {
	if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("argon2 params must be positive: %+v", params)
	}
	h := &Argon2Hasher{params: params}
	dummy, err := h.Hash("dummy-password-for-timing")
	if err != nil {
		return nil, fmt.Errorf("failed to build dummy hash: %w", err)
	}
	h.dummy = dummy
	return h, nil
}

// Hash derives a new salted argon2id hash
func (h *Argon2Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to read salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKiB, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches the encoded hash. A malformed
// hash is an error, a wrong password is (false, nil).
func (h *Argon2Hasher) Verify(plaintext, encoded string) (bool, error) {
	if isBcrypt(encoded) {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plaintext))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("bcrypt verify: %w", err)
		}
		return true, nil
	}

	params, salt, key, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(plaintext), salt, params.Time, params.MemoryKiB, params.Threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

// VerifyDummy runs a verification against the precomputed dummy hash and
// discards the result.
func (h *Argon2Hasher) VerifyDummy(plaintext string) {
	_, _ = h.Verify(plaintext, h.dummy)
}

// NeedsRehash reports whether the hash is legacy bcrypt or uses weaker
// params than the hasher is configured with.
func (h *Argon2Hasher) NeedsRehash(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}
	params, _, _, err := decodeArgon2(encoded)
	if err != nil {
		return true
	}
	return params.Time < h.params.Time || params.MemoryKiB < h.params.MemoryKiB || params.Threads < h.params.Threads
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Params{}, nil, nil, errMalformedHash
	}

	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return Argon2Params{}, nil, nil, errMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	return p, salt, key, nil
}
