package waf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/geoip"
	"github.com/parentshield/parentshield/internal/observability"
)

// Rejection sentinels.
var (
	ErrAddressBanned = errors.New("address is banned")
	ErrGeoBlocked    = errors.New("address not allowed by geo restriction")
)

// DetectionError is returned when a request body or URL matched an attack
// signature. The caller receives only a generic message; the category and
// signatures go to the audit sink.
type DetectionError struct {
	Category   Category
	Signatures []string
}

// Error implements error.
func (e *DetectionError) Error() string {
	return fmt.Sprintf("request blocked: %s (%s)", e.Category, strings.Join(e.Signatures, ", "))
}

// Request is the subset of an inbound request the inspector examines.
type Request struct {
	Address  string
	Method   string
	Path     string
	RawQuery string
	Body     []byte
}

const housekeepingInterval = time.Minute

// Inspector applies signature scanning, DDoS and bad-request-ratio
// heuristics, geo restriction, and the ban set to every request.
type Inspector struct {
	cfgMu sync.RWMutex
	cfg   config.WAFConfig

	tracker  *tracker
	bans     *banSet
	resolver geoip.Resolver
	listener BanListener
	logger   observability.Logger
	sink     audit.Sink
	metrics  *Metrics

	stopCh  chan struct{}
	stopped sync.Once
}

// InspectorOption is a functional option for the Inspector.
type InspectorOption func(*Inspector)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) InspectorOption {
	return func(i *Inspector) {
		i.logger = logger
	}
}

// WithAuditSink sets the audit sink.
func WithAuditSink(sink audit.Sink) InspectorOption {
	return func(i *Inspector) {
		i.sink = sink
	}
}

// WithResolver sets the geo-IP resolver. Without one, geo restriction is
// skipped.
func WithResolver(resolver geoip.Resolver) InspectorOption {
	return func(i *Inspector) {
		i.resolver = resolver
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *Metrics) InspectorOption {
	return func(i *Inspector) {
		i.metrics = metrics
	}
}

// NewInspector creates a request inspector.
func NewInspector(cfg config.WAFConfig, opts ...InspectorOption) *Inspector {
	i := &Inspector{
		cfg:     cfg,
		tracker: newTracker(),
		bans:    newBanSet(),
		logger:  observability.NopLogger(),
		sink:    audit.NopSink{},
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.metrics == nil {
		i.metrics = NewMetrics("parentshield")
	}
	return i
}

// SetBanListener registers the listener receiving ban-set updates and
// immediately publishes the current set.
func (i *Inspector) SetBanListener(listener BanListener) {
	i.listener = listener
	i.publishBans()
}

// ApplyConfig swaps the inspector configuration. Used by config hot
// reload; toggles and thresholds take effect on the next request.
func (i *Inspector) ApplyConfig(cfg config.WAFConfig) {
	i.cfgMu.Lock()
	defer i.cfgMu.Unlock()
	i.cfg = cfg
}

// SetCategory toggles one detection category at runtime. It reports
// whether the category name was recognized.
func (i *Inspector) SetCategory(category Category, enabled bool) bool {
	i.cfgMu.Lock()
	defer i.cfgMu.Unlock()

	switch category {
	case CategorySQLInjection:
		i.cfg.Rules.SQLInjection = enabled
	case CategoryXSS:
		i.cfg.Rules.XSS = enabled
	case CategoryCommandInjection:
		i.cfg.Rules.CommandInjection = enabled
	case CategoryPathTraversal:
		i.cfg.Rules.PathTraversal = enabled
	case CategoryDDoS:
		i.cfg.Rules.DDoS = enabled
	case CategoryGeoRestriction:
		i.cfg.Rules.GeoRestriction = enabled
	default:
		return false
	}
	i.logger.Info("waf category toggled",
		observability.String("category", string(category)),
		observability.Bool("enabled", enabled),
	)
	return true
}

func (i *Inspector) snapshot() config.WAFConfig {
	i.cfgMu.RLock()
	defer i.cfgMu.RUnlock()
	return i.cfg
}

// Inspect runs the full inspection pass for a request. A nil return means
// the request may proceed.
func (i *Inspector) Inspect(ctx context.Context, req *Request) error {
	now := time.Now()
	cfg := i.snapshot()

	if i.bans.banned(req.Address) {
		return ErrAddressBanned
	}

	i.tracker.track(req.Address, now)

	if err := i.checkGeo(ctx, cfg, req); err != nil {
		return err
	}
	if err := i.checkFlood(cfg, req, now); err != nil {
		return err
	}
	return i.scanSignatures(cfg, req, now)
}

// checkGeo enforces the allowed-country list. Private and loopback
// addresses are exempt; an empty country (resolver degraded or unknown)
// passes.
func (i *Inspector) checkGeo(ctx context.Context, cfg config.WAFConfig, req *Request) error {
	if !cfg.Rules.GeoRestriction || len(cfg.AllowedCountries) == 0 || i.resolver == nil {
		return nil
	}
	if geoip.PrivateOrLoopback(req.Address) {
		return nil
	}

	country, err := i.resolver.Country(ctx, req.Address)
	if err != nil || country == "" {
		return nil
	}
	for _, allowed := range cfg.AllowedCountries {
		if strings.EqualFold(allowed, country) {
			return nil
		}
	}

	i.metrics.RecordBlock(string(CategoryGeoRestriction))
	i.sink.Record(audit.NewEvent(audit.KindGeoBlocked, audit.SeverityWarning).
		WithAddress(req.Address).
		WithRequest(req.Method, req.Path).
		WithDetail("country "+country+" not in allow-list"))
	return ErrGeoBlocked
}

// checkFlood applies the DDoS heuristic: exceeding the per-second or
// per-minute threshold bans the address outright.
func (i *Inspector) checkFlood(cfg config.WAFConfig, req *Request, now time.Time) error {
	if !cfg.Rules.DDoS {
		return nil
	}

	lastSecond := i.tracker.countSince(req.Address, now, time.Second)
	lastMinute := i.tracker.countSince(req.Address, now, time.Minute)
	if (cfg.RequestsPerSecond > 0 && lastSecond > cfg.RequestsPerSecond) ||
		(cfg.RequestsPerMinute > 0 && lastMinute > cfg.RequestsPerMinute) {
		i.ban(req, CategoryDDoS, now, fmt.Sprintf("%d req/s, %d req/min", lastSecond, lastMinute))
		return ErrAddressBanned
	}
	return nil
}

// scanSignatures runs the regex signature scan. Read-only methods expose
// only their URL and query; mutating methods additionally expose the body.
func (i *Inspector) scanSignatures(cfg config.WAFConfig, req *Request, now time.Time) error {
	content := req.Path
	if req.RawQuery != "" {
		content += "?" + req.RawQuery
		// Percent-encoding must not hide a payload from the signature set.
		if decoded, err := url.QueryUnescape(req.RawQuery); err == nil {
			content += "\n" + decoded
		}
	}
	if !readOnlyMethod(req.Method) && len(req.Body) > 0 {
		content += "\n" + string(req.Body)
	}

	detection := scan(content, func(category Category) bool {
		return categoryEnabled(cfg.Rules, category)
	})
	if detection == nil {
		return nil
	}

	i.tracker.recordDetection(req.Address)
	i.metrics.RecordBlock(string(detection.Category))
	i.sink.Record(audit.NewEvent(audit.KindWAFDetection, audit.SeverityWarning).
		WithAddress(req.Address).
		WithRequest(req.Method, req.Path).
		WithDetail(string(detection.Category)).
		WithMetadata("signatures", detection.Signatures))

	i.checkRatio(cfg, req, now)
	return &DetectionError{Category: detection.Category, Signatures: detection.Signatures}
}

// checkRatio bans an address whose detection ratio crossed the threshold
// after a minimum number of requests, even absent a burst.
func (i *Inspector) checkRatio(cfg config.WAFConfig, req *Request, now time.Time) {
	if cfg.MinRequestCount <= 0 || cfg.BadRequestRatio <= 0 {
		return
	}
	total, detections := i.tracker.stats(req.Address)
	if total >= cfg.MinRequestCount && float64(detections)/float64(total) > cfg.BadRequestRatio {
		i.ban(req, CategoryBadRequestRatio, now,
			fmt.Sprintf("%d detections in %d requests", detections, total))
	}
}

// RecordSuspicious feeds an out-of-band signal, such as a failed login,
// into the per-address ratio tracker so repeated abuse escalates to a ban.
func (i *Inspector) RecordSuspicious(addr, detail string) {
	now := time.Now()
	i.tracker.track(addr, now)
	i.tracker.recordDetection(addr)
	i.checkRatio(i.snapshot(), &Request{Address: addr, Method: "", Path: detail}, now)
}

// Banned reports whether an address is currently banned.
func (i *Inspector) Banned(addr string) bool {
	return i.bans.banned(addr)
}

// Bans returns the current ban entries sorted by address.
func (i *Inspector) Bans() []BanEntry {
	return i.bans.list()
}

// Unban removes an address from the ban set and republishes it.
func (i *Inspector) Unban(addr string) bool {
	if !i.bans.unban(addr) {
		return false
	}
	i.publishBans()
	i.sink.Record(audit.NewEvent(audit.KindAddressUnbanned, audit.SeverityInfo).
		WithAddress(addr))
	i.logger.Info("address unbanned", observability.String("address", addr))
	return true
}

func (i *Inspector) ban(req *Request, reason Category, now time.Time, detail string) {
	if !i.bans.ban(req.Address, reason, now) {
		return
	}
	i.publishBans()
	i.metrics.RecordBan(string(reason))
	i.sink.Record(audit.NewEvent(audit.KindAddressBanned, audit.SeverityCritical).
		WithAddress(req.Address).
		WithRequest(req.Method, req.Path).
		WithDetail(detail).
		WithMetadata("reason", string(reason)))
	i.logger.Warn("address banned",
		observability.String("address", req.Address),
		observability.String("reason", string(reason)),
		observability.String("detail", detail),
	)
}

func (i *Inspector) publishBans() {
	if i.listener != nil {
		i.listener.UpdateBans(i.bans.addresses())
	}
}

// Run prunes per-address windows on a fixed interval until the context is
// cancelled or Stop is called.
func (i *Inspector) Run(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		case now := <-ticker.C:
			retention := i.snapshot().Retention.Duration()
			if retention <= 0 {
				retention = 5 * time.Minute
			}
			i.tracker.prune(now, retention)
		}
	}
}

// Stop terminates the housekeeping loop.
func (i *Inspector) Stop() {
	i.stopped.Do(func() {
		close(i.stopCh)
	})
}

func readOnlyMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func categoryEnabled(rules config.WAFRulesConfig, category Category) bool {
	switch category {
	case CategorySQLInjection:
		return rules.SQLInjection
	case CategoryXSS:
		return rules.XSS
	case CategoryCommandInjection:
		return rules.CommandInjection
	case CategoryPathTraversal:
		return rules.PathTraversal
	case CategoryDDoS:
		return rules.DDoS
	case CategoryGeoRestriction:
		return rules.GeoRestriction
	}
	return false
}
