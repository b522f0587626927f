package token

import (
	"errors"
	"fmt"
)

// Sentinel errors for token operations. Each rejection class is distinct and
// stable so callers can map them to wire codes.
var (
	// ErrTokenMalformed indicates the token cannot be parsed.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("token has expired")

	// ErrInvalidSignature indicates the signature does not verify under
	// the active or overlap-window prior key material.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrFingerprintMismatch indicates the recomputed device fingerprint
	// does not match the embedded one. Reported separately from generic
	// signature failure because it is a security event.
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")

	// ErrInvalidIssuer indicates an issuer claim mismatch.
	ErrInvalidIssuer = errors.New("token issuer is invalid")

	// ErrInvalidAudience indicates an audience claim mismatch.
	ErrInvalidAudience = errors.New("token audience is invalid")

	// ErrWrongKind indicates a token of the wrong kind, e.g. an access
	// token presented for refresh.
	ErrWrongKind = errors.New("token kind is not valid for this operation")

	// ErrUnsupportedAlgorithm indicates an algorithm this service never
	// issues.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not supported")

	// ErrEmptyToken indicates an empty token string.
	ErrEmptyToken = errors.New("token is empty")

	// ErrNoSigningMaterial indicates no key material is available at all.
	ErrNoSigningMaterial = errors.New("no signing material available")
)

// ValidationError carries context for a failed verification.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("token validation error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok || errors.Is(e.Cause, target)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
