package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/credential"
	"github.com/parentshield/parentshield/internal/csrf"
	"github.com/parentshield/parentshield/internal/geoip"
	"github.com/parentshield/parentshield/internal/identity"
	"github.com/parentshield/parentshield/internal/keystore"
	"github.com/parentshield/parentshield/internal/observability"
	"github.com/parentshield/parentshield/internal/pipeline"
	"github.com/parentshield/parentshield/internal/ratelimit"
	"github.com/parentshield/parentshield/internal/ratelimit/store"
	"github.com/parentshield/parentshield/internal/secrets"
	"github.com/parentshield/parentshield/internal/token"
	"github.com/parentshield/parentshield/internal/twofactor"
	"github.com/parentshield/parentshield/internal/waf"
)

// application owns the assembled components and their lifecycles.
type application struct {
	cfg      *config.Config
	logger   observability.Logger
	registry *prometheus.Registry

	keys      *keystore.Manager
	second    *twofactor.Manager
	inspector *waf.Inspector
	limiter   *ratelimit.Limiter
	counters  store.Store
	accounts  *identity.MemoryStore
	pipeline  *pipeline.Pipeline
	server    *http.Server
}

func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	registry := prometheus.NewRegistry()
	sink := audit.NewLoggerSink(logger.With(observability.String("component", "audit")))

	provider, err := secrets.NewProvider(cfg.Secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("secrets provider: %w", err)
	}
	defer func() { _ = provider.Close() }()

	masterKey, err := fetchSecret(cfg, logger, provider, secrets.NameMasterKey)
	if err != nil {
		return nil, err
	}
	bindingSecret, err := fetchSecret(cfg, logger, provider, secrets.NameDeviceBindingSecret)
	if err != nil {
		return nil, err
	}
	pepper, err := fetchSecret(cfg, logger, provider, secrets.NamePasswordPepper)
	if err != nil {
		return nil, err
	}

	keysMetrics := keystore.NewMetrics("parentshield")
	if err := keysMetrics.RegisterOn(registry); err != nil {
		return nil, err
	}
	keys, err := keystore.NewManager(cfg.Keys,
		keystore.WithLogger(logger.With(observability.String("component", "keystore"))),
		keystore.WithAuditSink(sink),
		keystore.WithMetrics(keysMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("key store: %w", err)
	}
	for _, role := range keystore.AllRoles {
		if _, err := keys.LoadOrCreate(role, keystore.DefaultSymmetricLength); err != nil {
			return nil, fmt.Errorf("key material for %s: %w", role, err)
		}
	}

	tokenMetrics := token.NewMetrics("parentshield")
	if err := tokenMetrics.RegisterOn(registry); err != nil {
		return nil, err
	}
	tokens := token.NewService(keys, cfg.Token, bindingSecret, cfg.IsLocal(),
		token.WithServiceLogger(logger.With(observability.String("component", "token"))),
		token.WithServiceMetrics(tokenMetrics),
	)

	hasher := credential.NewHasher(pepper)
	second := twofactor.NewManager(cfg.TwoFactor, masterKey,
		twofactor.WithLogger(logger.With(observability.String("component", "twofactor"))),
		twofactor.WithAuditSink(sink),
	)
	guard := csrf.NewGuard(keys, cfg.CSRF)

	var resolver geoip.Resolver
	if cfg.GeoIP.Endpoint != "" {
		resolver = geoip.NewBreakerResolver(
			geoip.NewHTTPResolver(cfg.GeoIP.Endpoint, cfg.GeoIP.Timeout.Duration()),
			geoip.WithLogger(logger.With(observability.String("component", "geoip"))),
		)
	}

	wafMetrics := waf.NewMetrics("parentshield")
	if err := wafMetrics.RegisterOn(registry); err != nil {
		return nil, err
	}
	inspectorOpts := []waf.InspectorOption{
		waf.WithLogger(logger.With(observability.String("component", "waf"))),
		waf.WithAuditSink(sink),
		waf.WithMetrics(wafMetrics),
	}
	if resolver != nil {
		inspectorOpts = append(inspectorOpts, waf.WithResolver(resolver))
	}
	inspector := waf.NewInspector(cfg.WAF, inspectorOpts...)

	counters, err := newCounterStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	limitMetrics := ratelimit.NewMetrics("parentshield")
	if err := limitMetrics.RegisterOn(registry); err != nil {
		return nil, err
	}
	limiter := ratelimit.NewLimiter(counters, cfg.RateLimit, cfg.IsProduction(),
		ratelimit.WithLogger(logger.With(observability.String("component", "ratelimit"))),
		ratelimit.WithAuditSink(sink),
		ratelimit.WithMetrics(limitMetrics),
	)

	accounts := identity.NewMemoryStore()
	p := pipeline.New(cfg, pipeline.Components{
		Keys:      keys,
		Hasher:    hasher,
		Tokens:    tokens,
		TwoFactor: second,
		CSRF:      guard,
		Inspector: inspector,
		Limiter:   limiter,
		Accounts:  accounts,
		Logger:    logger.With(observability.String("component", "pipeline")),
		Sink:      sink,
	})

	app := &application{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		keys:      keys,
		second:    second,
		inspector: inspector,
		limiter:   limiter,
		counters:  counters,
		accounts:  accounts,
		pipeline:  p,
	}
	app.server = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.buildRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	}
	return app, nil
}

// fetchSecret retrieves a named secret. Local mode falls back to a
// deterministic development value so the server starts without a secrets
// backend; any other environment treats a missing secret as fatal.
func fetchSecret(cfg *config.Config, logger observability.Logger, provider secrets.Provider, name string) ([]byte, error) {
	value, err := provider.GetSecret(context.Background(), name)
	if err == nil {
		return value, nil
	}
	if errors.Is(err, secrets.ErrSecretNotFound) && cfg.IsLocal() {
		logger.Warn("secret not configured, using development value",
			observability.String("secret", name),
		)
		sum := sha256.Sum256([]byte("parentshield-dev-" + name))
		return sum[:], nil
	}
	return nil, fmt.Errorf("secret %s: %w", name, err)
}

func newCounterStore(cfg *config.Config, logger observability.Logger) (store.Store, error) {
	if cfg.RateLimit.Redis.Addr == "" {
		return store.NewMemoryStore(), nil
	}
	redisStore, err := store.NewRedisStore(context.Background(),
		cfg.RateLimit.Redis.Addr, cfg.RateLimit.Redis.Password, cfg.RateLimit.Redis.DB,
		store.WithLogger(logger.With(observability.String("component", "ratelimit-store"))),
	)
	if err != nil {
		// A dead shared store at startup degrades to local limiting, the
		// same policy applied at runtime.
		logger.Warn("shared counter store unavailable, using local counters",
			observability.Error(err),
		)
		return store.NewMemoryStore(), nil
	}
	return redisStore, nil
}

// run starts the listener and blocks until a termination signal, then
// shuts down gracefully.
func (a *application) run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !a.cfg.IsLocal() {
		go a.keys.Run(ctx)
	}
	go a.inspector.Run(ctx)

	watcher := a.startConfigWatcher(ctx, configPath)
	if watcher != nil {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", observability.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		a.logger.Info("shutting down", observability.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		a.cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()

	err := a.server.Shutdown(shutdownCtx)
	a.keys.Stop()
	a.inspector.Stop()
	_ = a.counters.Close()
	return err
}

// startConfigWatcher hot-reloads the WAF toggles and rate budgets when the
// configuration file changes. Other sections require a restart.
func (a *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		if err := next.Validate(); err != nil {
			a.logger.Warn("ignoring invalid configuration reload", observability.Error(err))
			return
		}
		a.inspector.ApplyConfig(next.WAF)
		a.limiter.ApplyConfig(next.RateLimit)
		a.logger.Info("configuration reloaded")
	}, config.WithWatcherLogger(a.logger.With(observability.String("component", "config"))))
	if err != nil {
		a.logger.Warn("config watcher unavailable", observability.Error(err))
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher failed to start", observability.Error(err))
		return nil
	}
	return watcher
}
