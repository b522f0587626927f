// Package token mints and validates device-bound bearer tokens.
package token

import (
	"encoding/json"
	"time"
)

// Kind discriminates access tokens from refresh tokens.
type Kind string

// Token kinds.
const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the signed token payload. Validity derives solely from the
// signature plus these fields; nothing is persisted.
type Claims struct {
	Subject           string `json:"sub"`
	Role              string `json:"role,omitempty"`
	DeviceID          string `json:"did,omitempty"`
	DeviceFingerprint string `json:"dfp,omitempty"`
	Issuer            string `json:"iss,omitempty"`
	Audience          string `json:"aud,omitempty"`
	Kind              Kind   `json:"kind,omitempty"`
	IssuedAt          *Time  `json:"iat,omitempty"`
	ExpiresAt         *Time  `json:"exp,omitempty"`
	JWTID             string `json:"jti,omitempty"`
}

// Time wraps time.Time for Unix-timestamp JSON marshaling.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var timestamp float64
	if err := json.Unmarshal(data, &timestamp); err != nil {
		return err
	}
	t.Time = time.Unix(int64(timestamp), 0)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Unix())
}

// Now returns the current time wrapped for claims use.
func Now() *Time {
	return &Time{Time: time.Now()}
}

// At wraps an absolute time for claims use.
func At(ts time.Time) *Time {
	return &Time{Time: ts}
}

// Expired reports whether the claims are past their expiry.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(c.ExpiresAt.Time)
}

// Remaining returns the remaining lifetime, zero when already expired or
// when no expiry is set.
func (c *Claims) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	remaining := c.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// stripped returns a copy with time, kind, and fingerprint fields cleared,
// ready for reissuance.
func (c *Claims) stripped() *Claims {
	out := *c
	out.IssuedAt = nil
	out.ExpiresAt = nil
	out.Kind = ""
	out.JWTID = ""
	out.DeviceFingerprint = ""
	return &out
}
