// Package ratelimit enforces per-scope, per-identity request budgets over
// a shared counter store, degrading to process-local limiting when the
// store is unavailable.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/observability"
	"github.com/parentshield/parentshield/internal/ratelimit/store"
)

// Scope selects which budget applies to a request.
type Scope string

// Budget scopes.
const (
	// ScopeGeneral covers ordinary traffic.
	ScopeGeneral Scope = "general"

	// ScopeAuth covers login, refresh, and second-factor routes.
	ScopeAuth Scope = "auth"

	// ScopeSensitive covers privileged operations.
	ScopeSensitive Scope = "sensitive"
)

// Result is the outcome of a budget check.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration

	// Degraded is set when the shared store was unreachable and a local
	// counter decided instead.
	Degraded bool
}

// Limiter enforces the configured budgets. It also mirrors the inspector's
// ban set so bans apply uniformly at this layer.
type Limiter struct {
	store      store.Store
	production bool

	cfgMu sync.RWMutex
	cfg   config.RateLimitConfig

	bansMu sync.RWMutex
	bans   map[string]struct{}

	fallbackMu sync.Mutex
	fallback   map[string]*rate.Limiter

	logger  observability.Logger
	sink    audit.Sink
	metrics *Metrics
}

// Option is a functional option for the Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithAuditSink sets the audit sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(l *Limiter) {
		l.sink = sink
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *Metrics) Option {
	return func(l *Limiter) {
		l.metrics = metrics
	}
}

// NewLimiter creates a limiter over the given counter store. The allow-list
// escape hatch is honored only when production is false.
func NewLimiter(counterStore store.Store, cfg config.RateLimitConfig, production bool, opts ...Option) *Limiter {
	l := &Limiter{
		store:      counterStore,
		cfg:        cfg,
		production: production,
		bans:       make(map[string]struct{}),
		fallback:   make(map[string]*rate.Limiter),
		logger:     observability.NopLogger(),
		sink:       audit.NopSink{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics("parentshield")
	}
	return l
}

// ApplyConfig swaps the budgets. Used by config hot reload.
func (l *Limiter) ApplyConfig(cfg config.RateLimitConfig) {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	l.cfg = cfg
}

// UpdateBans replaces the mirrored ban set. The inspector publishes the
// full set on every change.
func (l *Limiter) UpdateBans(addresses []string) {
	next := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		next[addr] = struct{}{}
	}
	l.bansMu.Lock()
	l.bans = next
	l.bansMu.Unlock()
}

// Banned reports whether an address is in the mirrored ban set.
func (l *Limiter) Banned(addr string) bool {
	l.bansMu.RLock()
	defer l.bansMu.RUnlock()
	_, ok := l.bans[addr]
	return ok
}

// Allow charges one request against the identity's budget for the scope.
func (l *Limiter) Allow(ctx context.Context, scope Scope, identity string) *Result {
	budget := l.budget(scope)
	if budget.Requests <= 0 {
		return &Result{Allowed: true, Remaining: -1}
	}

	if !l.production && l.allowListed(identity) {
		return &Result{Allowed: true, Remaining: int64(budget.Requests)}
	}

	window := budget.Window.Duration()
	if window <= 0 {
		window = time.Minute
	}

	count, err := l.store.IncrementWithExpiry(ctx, string(scope)+":"+identity, 1, window)
	if err != nil {
		// Store unavailability degrades to per-instance limiting rather
		// than failing requests.
		l.metrics.RecordDegradation()
		l.logger.Warn("counter store unavailable, using local limiter",
			observability.String("scope", string(scope)),
			observability.Error(err),
		)
		return l.allowLocal(scope, identity, budget, window)
	}

	if count > int64(budget.Requests) {
		l.reject(scope, identity)
		return &Result{Allowed: false, Remaining: 0, RetryAfter: window}
	}
	return &Result{Allowed: true, Remaining: int64(budget.Requests) - count}
}

// allowLocal is the degradation path: a per-identity token bucket sized to
// the same budget.
func (l *Limiter) allowLocal(scope Scope, identity string, budget config.BudgetConfig, window time.Duration) *Result {
	key := string(scope) + ":" + identity

	l.fallbackMu.Lock()
	limiter, ok := l.fallback[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(budget.Requests)/window.Seconds()), budget.Requests)
		l.fallback[key] = limiter
	}
	l.fallbackMu.Unlock()

	if !limiter.Allow() {
		l.reject(scope, identity)
		return &Result{Allowed: false, RetryAfter: window, Degraded: true}
	}
	return &Result{Allowed: true, Remaining: -1, Degraded: true}
}

func (l *Limiter) reject(scope Scope, identity string) {
	l.metrics.RecordRejection(string(scope))
	l.sink.Record(audit.NewEvent(audit.KindRateLimitExceeded, audit.SeverityWarning).
		WithAddress(identity).
		WithDetail(string(scope)))
}

func (l *Limiter) budget(scope Scope) config.BudgetConfig {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()

	switch scope {
	case ScopeAuth:
		return l.cfg.Auth
	case ScopeSensitive:
		return l.cfg.Sensitive
	default:
		return l.cfg.General
	}
}

func (l *Limiter) allowListed(identity string) bool {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	for _, allowed := range l.cfg.AllowList {
		if allowed == identity {
			return true
		}
	}
	return false
}
