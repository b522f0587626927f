// Package secrets provides access to master secret material used by the key
// store, with environment-variable and HashiCorp Vault backends.
package secrets

import (
	"context"
	"errors"
)

// ProviderType represents the type of secrets provider.
type ProviderType string

const (
	// ProviderTypeEnv uses environment variables as the backend.
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeVault uses HashiCorp Vault KV v2 as the backend.
	ProviderTypeVault ProviderType = "vault"
)

// Well-known secret names consumed by the security layer.
const (
	// NameMasterKey is the master value from which per-account encryption
	// keys are derived.
	NameMasterKey = "master-key"

	// NameDeviceBindingSecret is mixed into device fingerprints. Rotating
	// it invalidates all previously issued device-bound tokens; the scheme
	// is not versioned.
	NameDeviceBindingSecret = "device-binding-secret"

	// NamePasswordPepper keys the password derivation.
	NamePasswordPepper = "password-pepper"
)

// Common errors for secrets providers.
var (
	// ErrSecretNotFound is returned when a secret is not found.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrProviderNotConfigured is returned when the provider is not properly configured.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidProviderType is returned when an unknown provider type is specified.
	ErrInvalidProviderType = errors.New("invalid provider type")
)

// Provider is the interface for secrets providers.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// GetSecret retrieves a named secret value.
	GetSecret(ctx context.Context, name string) ([]byte, error)

	// HealthCheck checks provider connectivity.
	HealthCheck(ctx context.Context) error

	// Close cleans up provider resources.
	Close() error
}
