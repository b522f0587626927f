// Package config defines and loads configuration for the security layer.
package config

import (
	"fmt"
	"time"
)

// Environment names recognized by the security layer.
const (
	EnvLocal      = "local"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Config is the root configuration for the security layer.
type Config struct {
	// Environment selects runtime behavior (local, staging, production).
	// In local mode key rotation is disabled and the rate-limit allow-list
	// is honored.
	Environment string `yaml:"environment"`

	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Keys      KeysConfig      `yaml:"keys"`
	Token     TokenConfig     `yaml:"token"`
	TwoFactor TwoFactorConfig `yaml:"twoFactor"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	WAF       WAFConfig       `yaml:"waf"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	GeoIP     GeoIPConfig     `yaml:"geoIP"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`

	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`

	// ShutdownTimeout bounds graceful shutdown on termination.
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// KeysConfig configures the key material store.
type KeysConfig struct {
	// Dir is the directory where key material is persisted.
	Dir string `yaml:"dir"`

	// RotationCheckInterval is how often the rotation loop wakes up.
	RotationCheckInterval Duration `yaml:"rotationCheckInterval"`

	// MaxKeyAge is the age past which a key is rotated.
	MaxKeyAge Duration `yaml:"maxKeyAge"`

	// OverlapWindow is how long a retired key remains accepted for
	// verification after rotation.
	OverlapWindow Duration `yaml:"overlapWindow"`
}

// TokenConfig configures token issuance and verification.
type TokenConfig struct {
	// Issuer and Audience are enforced outside local mode.
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	// AccessLifetime and RefreshLifetime bound the token pair.
	AccessLifetime  Duration `yaml:"accessLifetime"`
	RefreshLifetime Duration `yaml:"refreshLifetime"`

	// RenewThreshold is the remaining lifetime below which a transparent
	// refresh is attempted.
	RenewThreshold Duration `yaml:"renewThreshold"`
}

// TwoFactorConfig configures the two-factor manager.
type TwoFactorConfig struct {
	// IssuerName appears in authenticator apps.
	IssuerName string `yaml:"issuerName"`

	// BackupCodeCount is how many backup codes are generated per account.
	BackupCodeCount int `yaml:"backupCodeCount"`

	// ConfirmationTTL is how long an in-session second-factor
	// confirmation stays fresh.
	ConfirmationTTL Duration `yaml:"confirmationTTL"`
}

// CSRFConfig configures the double-submit guard.
type CSRFConfig struct {
	CookieName string `yaml:"cookieName"`
	HeaderName string `yaml:"headerName"`

	// CookieTTL bounds the per-session token cookie.
	CookieTTL Duration `yaml:"cookieTTL"`
}

// WAFConfig configures the request inspector.
type WAFConfig struct {
	// Rules toggles detection categories.
	Rules WAFRulesConfig `yaml:"rules"`

	// AllowedCountries is the geo-restriction allow-list. Empty disables
	// geo restriction.
	AllowedCountries []string `yaml:"allowedCountries"`

	// RequestsPerSecond and RequestsPerMinute are the DDoS auto-ban
	// thresholds.
	RequestsPerSecond int `yaml:"requestsPerSecond"`
	RequestsPerMinute int `yaml:"requestsPerMinute"`

	// BadRequestRatio is the detection ratio past which an address is
	// banned, once MinRequestCount requests have been seen.
	BadRequestRatio float64 `yaml:"badRequestRatio"`
	MinRequestCount int     `yaml:"minRequestCount"`

	// Retention is how long per-address timestamps are kept.
	Retention Duration `yaml:"retention"`
}

// WAFRulesConfig toggles individual detection categories.
type WAFRulesConfig struct {
	SQLInjection     bool `yaml:"sqlInjection"`
	XSS              bool `yaml:"xss"`
	CommandInjection bool `yaml:"commandInjection"`
	PathTraversal    bool `yaml:"pathTraversal"`
	DDoS             bool `yaml:"ddos"`
	GeoRestriction   bool `yaml:"geoRestriction"`
}

// RateLimitConfig configures the adaptive rate limiter.
type RateLimitConfig struct {
	// Redis is the optional shared counter store address. Empty means
	// local in-memory counters only.
	Redis RedisConfig `yaml:"redis"`

	General   BudgetConfig `yaml:"general"`
	Auth      BudgetConfig `yaml:"auth"`
	Sensitive BudgetConfig `yaml:"sensitive"`

	// AllowList is honored outside production for trusted local
	// administrative callers.
	AllowList []string `yaml:"allowList"`
}

// RedisConfig configures the shared counter store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BudgetConfig is one rate budget: max requests per window.
type BudgetConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// GeoIPConfig configures the geo-IP resolver.
type GeoIPConfig struct {
	// Endpoint of the resolver service, if any.
	Endpoint string `yaml:"endpoint"`

	// Timeout for resolver calls.
	Timeout Duration `yaml:"timeout"`
}

// SecretsConfig selects the secrets backend.
type SecretsConfig struct {
	// Provider is "env" or "vault".
	Provider string `yaml:"provider"`

	Vault VaultConfig `yaml:"vault"`
}

// VaultConfig configures the Vault KV backend.
type VaultConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvLocal,
		Server: ServerConfig{
			Address:         ":8443",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Keys: KeysConfig{
			Dir:                   "keys",
			RotationCheckInterval: Duration(24 * time.Hour),
			MaxKeyAge:             Duration(90 * 24 * time.Hour),
			OverlapWindow:         Duration(time.Hour),
		},
		Token: TokenConfig{
			Issuer:          "parentshield",
			Audience:        "parentshield-api",
			AccessLifetime:  Duration(15 * time.Minute),
			RefreshLifetime: Duration(7 * 24 * time.Hour),
			RenewThreshold:  Duration(10 * time.Minute),
		},
		TwoFactor: TwoFactorConfig{
			IssuerName:      "ParentShield",
			BackupCodeCount: 10,
			ConfirmationTTL: Duration(15 * time.Minute),
		},
		CSRF: CSRFConfig{
			CookieName: "ps_csrf",
			HeaderName: "X-CSRF-Token",
			CookieTTL:  Duration(12 * time.Hour),
		},
		WAF: WAFConfig{
			Rules: WAFRulesConfig{
				SQLInjection:     true,
				XSS:              true,
				CommandInjection: true,
				PathTraversal:    true,
				DDoS:             true,
				GeoRestriction:   false,
			},
			RequestsPerSecond: 10,
			RequestsPerMinute: 100,
			BadRequestRatio:   0.5,
			MinRequestCount:   20,
			Retention:         Duration(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			General:   BudgetConfig{Requests: 300, Window: Duration(time.Minute)},
			Auth:      BudgetConfig{Requests: 10, Window: Duration(time.Minute)},
			Sensitive: BudgetConfig{Requests: 30, Window: Duration(time.Minute)},
		},
		GeoIP: GeoIPConfig{
			Timeout: Duration(2 * time.Second),
		},
		Secrets: SecretsConfig{
			Provider: "env",
		},
	}
}

// IsProduction reports whether the configuration targets production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// IsLocal reports whether the configuration targets local development.
func (c *Config) IsLocal() bool {
	return c.Environment == EnvLocal || c.Environment == ""
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Environment {
	case "", EnvLocal, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}

	if c.Keys.MaxKeyAge <= 0 {
		return fmt.Errorf("config: keys.maxKeyAge must be positive")
	}
	if c.Keys.RotationCheckInterval <= 0 {
		return fmt.Errorf("config: keys.rotationCheckInterval must be positive")
	}
	if c.Token.AccessLifetime <= 0 || c.Token.RefreshLifetime <= 0 {
		return fmt.Errorf("config: token lifetimes must be positive")
	}
	if c.Token.RefreshLifetime <= c.Token.AccessLifetime {
		return fmt.Errorf("config: token.refreshLifetime must exceed accessLifetime")
	}
	if c.TwoFactor.BackupCodeCount <= 0 {
		return fmt.Errorf("config: twoFactor.backupCodeCount must be positive")
	}
	if c.WAF.BadRequestRatio <= 0 || c.WAF.BadRequestRatio > 1 {
		return fmt.Errorf("config: waf.badRequestRatio must be in (0, 1]")
	}
	for _, b := range []struct {
		name   string
		budget BudgetConfig
	}{
		{"general", c.RateLimit.General},
		{"auth", c.RateLimit.Auth},
		{"sensitive", c.RateLimit.Sensitive},
	} {
		if b.budget.Requests <= 0 {
			return fmt.Errorf("config: rateLimit.%s.requests must be positive", b.name)
		}
		if b.budget.Window <= 0 {
			return fmt.Errorf("config: rateLimit.%s.window must be positive", b.name)
		}
	}
	if c.Secrets.Provider != "" && c.Secrets.Provider != "env" && c.Secrets.Provider != "vault" {
		return fmt.Errorf("config: unknown secrets provider %q", c.Secrets.Provider)
	}
	return nil
}
