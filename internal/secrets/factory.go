package secrets

import (
	"fmt"

	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/observability"
)

// NewProvider creates a secrets provider from configuration.
func NewProvider(cfg config.SecretsConfig, logger observability.Logger) (Provider, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch ProviderType(cfg.Provider) {
	case "", ProviderTypeEnv:
		return NewEnvProvider(WithEnvLogger(logger)), nil
	case ProviderTypeVault:
		return NewVaultProvider(VaultProviderConfig{
			Address: cfg.Vault.Address,
			Token:   cfg.Vault.Token,
			Mount:   cfg.Vault.Mount,
			Path:    cfg.Vault.Path,
		}, WithVaultLogger(logger))
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderType, cfg.Provider)
	}
}
