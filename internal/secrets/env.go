package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/parentshield/parentshield/internal/observability"
)

// DefaultEnvPrefix is the default prefix for environment variable secrets.
const DefaultEnvPrefix = "PARENTSHIELD_SECRET_"

// EnvProvider implements Provider using environment variables. A secret name
// like "master-key" maps to the variable "{PREFIX}MASTER_KEY".
type EnvProvider struct {
	prefix string
	logger observability.Logger
}

// EnvProviderOption is a functional option for the env provider.
type EnvProviderOption func(*EnvProvider)

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) EnvProviderOption {
	return func(p *EnvProvider) {
		p.prefix = prefix
	}
}

// WithEnvLogger sets the logger.
func WithEnvLogger(logger observability.Logger) EnvProviderOption {
	return func(p *EnvProvider) {
		p.logger = logger
	}
}

// NewEnvProvider creates a new environment variable secrets provider.
func NewEnvProvider(opts ...EnvProviderOption) *EnvProvider {
	p := &EnvProvider{
		prefix: DefaultEnvPrefix,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type returns the provider type.
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// normalizeEnvName converts a secret name to an environment variable name.
func (p *EnvProvider) normalizeEnvName(name string) string {
	envName := strings.ToUpper(name)
	envName = strings.ReplaceAll(envName, "-", "_")
	envName = strings.ReplaceAll(envName, ".", "_")
	envName = strings.ReplaceAll(envName, "/", "_")
	return p.prefix + envName
}

// GetSecret retrieves a secret from the environment.
func (p *EnvProvider) GetSecret(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty secret name", ErrSecretNotFound)
	}

	envName := p.normalizeEnvName(name)
	value, exists := os.LookupEnv(envName)
	if !exists {
		p.logger.Debug("environment secret not found",
			observability.String("env_var", envName),
		)
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envName)
	}

	return []byte(value), nil
}

// HealthCheck always succeeds for the env provider.
func (p *EnvProvider) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op for the env provider.
func (p *EnvProvider) Close() error {
	return nil
}

// Ensure EnvProvider implements Provider.
var _ Provider = (*EnvProvider)(nil)
