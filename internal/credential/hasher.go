// Package credential provides slow, salted, keyed password hashing.
package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/parentshield/parentshield/internal/keystore"
)

// Hashing parameters.
const (
	// DefaultIterations is the PBKDF2 iteration count, chosen to keep a
	// single verification in the tens of milliseconds.
	DefaultIterations = 310_000

	// SaltLength is the per-hash random salt length in bytes.
	SaltLength = 16

	// keyLength is the derived key length in bytes.
	keyLength = 32

	// scheme identifies the encoded hash format.
	scheme = "pbkdf2-sha256"
)

// Errors returned by the hasher.
var (
	// ErrMismatch is returned when a password does not match its hash.
	ErrMismatch = errors.New("password does not match")

	// ErrMalformedHash is returned for hashes that cannot be parsed.
	ErrMalformedHash = errors.New("malformed password hash")
)

// Hasher derives and verifies password hashes. The derivation is keyed with
// a pepper held outside the credential records, so a leaked table alone is
// not crackable offline.
type Hasher struct {
	iterations int
	pepper     []byte
}

// HasherOption is a functional option for the Hasher.
type HasherOption func(*Hasher)

// WithIterations overrides the iteration count.
func WithIterations(iterations int) HasherOption {
	return func(h *Hasher) {
		if iterations > 0 {
			h.iterations = iterations
		}
	}
}

// NewHasher creates a Hasher keyed with the given pepper.
func NewHasher(pepper []byte, opts ...HasherOption) *Hasher {
	h := &Hasher{
		iterations: DefaultIterations,
		pepper:     append([]byte(nil), pepper...),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash derives a salted, peppered hash of the password and returns it in the
// encoded form "pbkdf2-sha256$<iterations>$<salt>$<hash>".
func (h *Hasher) Hash(password string) (string, error) {
	salt, err := keystore.RandomBytes(SaltLength)
	if err != nil {
		return "", err
	}
	derived := h.derive(password, salt, h.iterations)

	return strings.Join([]string{
		scheme,
		strconv.Itoa(h.iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	}, "$"), nil
}

// Verify checks a password against an encoded hash using a constant-time
// comparison. It returns ErrMismatch on failure.
func (h *Hasher) Verify(password, encoded string) error {
	iterations, salt, want, err := decode(encoded)
	if err != nil {
		return err
	}

	got := h.derive(password, salt, iterations)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrMismatch
	}
	return nil
}

// derive runs the keyed PBKDF2 derivation. The pepper is mixed in through an
// HMAC pre-hash of the password so that derived output depends on material
// never stored alongside the salt.
func (h *Hasher) derive(password string, salt []byte, iterations int) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	peppered := mac.Sum(nil)

	return pbkdf2.Key(peppered, salt, iterations, keyLength, sha256.New)
}

// decode parses the encoded hash format.
func decode(encoded string) (iterations int, salt, hash []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != scheme {
		return 0, nil, nil, ErrMalformedHash
	}

	iterations, err = strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, fmt.Errorf("%w: bad iteration count", ErrMalformedHash)
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: bad digest", ErrMalformedHash)
	}
	return iterations, salt, hash, nil
}
