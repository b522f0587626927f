package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/parentshield/parentshield/internal/observability"
)

// VaultProviderConfig holds configuration for the Vault secrets provider.
type VaultProviderConfig struct {
	// Address is the Vault server address.
	Address string

	// Token is the Vault token.
	Token string

	// Mount is the KV v2 mount point. Default: "secret".
	Mount string

	// Path is the path under the mount holding the security-layer secrets.
	// Default: "parentshield".
	Path string
}

// VaultProvider implements Provider using the Vault KV v2 secrets engine.
// All security-layer secrets live as keys of a single KV entry; values may be
// base64-encoded (preferred for binary material) or plain strings.
type VaultProvider struct {
	client *vaultapi.Client
	mount  string
	path   string
	logger observability.Logger
}

// VaultProviderOption is a functional option for the Vault provider.
type VaultProviderOption func(*VaultProvider)

// WithVaultLogger sets the logger.
func WithVaultLogger(logger observability.Logger) VaultProviderOption {
	return func(p *VaultProvider) {
		p.logger = logger
	}
}

// NewVaultProvider creates a new Vault secrets provider.
func NewVaultProvider(cfg VaultProviderConfig, opts ...VaultProviderOption) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	path := cfg.Path
	if path == "" {
		path = "parentshield"
	}

	p := &VaultProvider{
		client: client,
		mount:  mount,
		path:   path,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Type returns the provider type.
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret retrieves a named secret value from the KV v2 entry.
func (p *VaultProvider) GetSecret(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty secret name", ErrSecretNotFound)
	}

	kv, err := p.client.KVv2(p.mount).Get(ctx, p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault secret %s/%s: %w", p.mount, p.path, err)
	}

	raw, ok := kv.Data[name]
	if !ok {
		return nil, fmt.Errorf("%w: key %q at %s/%s", ErrSecretNotFound, name, p.mount, p.path)
	}

	value, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: key %q is not a string", ErrSecretNotFound, name)
	}

	// Binary material is stored base64-encoded; fall back to the raw string.
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return []byte(value), nil
}

// HealthCheck verifies connectivity with the Vault server.
func (p *VaultProvider) HealthCheck(ctx context.Context) error {
	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// Close is a no-op; the underlying HTTP client needs no teardown.
func (p *VaultProvider) Close() error {
	return nil
}

// Ensure VaultProvider implements Provider.
var _ Provider = (*VaultProvider)(nil)
