// Package keystore generates, persists, and rotates the key material backing
// encryption, message authentication, password derivation, and token signing.
package keystore

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies what a key is used for. Exactly one record per role is
// active at any time; superseded records are archival only.
type Role string

// Key roles.
const (
	RoleEncryption   Role = "encryption"
	RoleMessageAuth  Role = "message-authentication"
	RolePasswordKDF  Role = "password-kdf"
	RoleTokenSigning Role = "token-signing"
)

// Algorithms assigned per role.
const (
	AlgorithmAESGCM     = "AES-256-GCM"
	AlgorithmHMACSHA256 = "HMAC-SHA256"
	AlgorithmPBKDF2     = "PBKDF2-SHA256"
	AlgorithmRS256      = "RS256"
)

// Default byte lengths per role.
const (
	DefaultSymmetricLength = 32
	DefaultRSABits         = 2048
)

// AllRoles lists every role managed by the store.
var AllRoles = []Role{RoleEncryption, RoleMessageAuth, RolePasswordKDF, RoleTokenSigning}

// Record is one unit of key material. For symmetric roles Material holds the
// raw bytes; for the token-signing role it holds a PKCS#8-encoded RSA private
// key.
type Record struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Algorithm string     `json:"algorithm"`
	Material  []byte     `json:"material"`
	CreatedAt time.Time  `json:"createdAt"`
	RotatedAt *time.Time `json:"rotatedAt,omitempty"`
	BitLength int        `json:"bitLength"`
}

// newRecord creates a fresh record for the given role.
func newRecord(role Role, algorithm string, material []byte, bitLength int) *Record {
	return &Record{
		ID:        uuid.New().String(),
		Role:      role,
		Algorithm: algorithm,
		Material:  material,
		CreatedAt: time.Now().UTC(),
		BitLength: bitLength,
	}
}

// Age returns how old the record is.
func (r *Record) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

// algorithmFor returns the algorithm assigned to a role.
func algorithmFor(role Role) string {
	switch role {
	case RoleEncryption:
		return AlgorithmAESGCM
	case RoleMessageAuth:
		return AlgorithmHMACSHA256
	case RolePasswordKDF:
		return AlgorithmPBKDF2
	case RoleTokenSigning:
		return AlgorithmRS256
	default:
		return AlgorithmHMACSHA256
	}
}
