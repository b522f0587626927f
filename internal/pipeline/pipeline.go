// Package pipeline composes the security components into the ordered
// middleware chain fronting the API: ban check, header validation, rate
// limiting, WAF inspection, CSRF enforcement, token verification, and role
// checks. Any stage may terminate the request with a structured rejection.
package pipeline

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/credential"
	"github.com/parentshield/parentshield/internal/csrf"
	"github.com/parentshield/parentshield/internal/identity"
	"github.com/parentshield/parentshield/internal/keystore"
	"github.com/parentshield/parentshield/internal/observability"
	"github.com/parentshield/parentshield/internal/ratelimit"
	"github.com/parentshield/parentshield/internal/token"
	"github.com/parentshield/parentshield/internal/twofactor"
	"github.com/parentshield/parentshield/internal/waf"
)

// Wire contract headers and cookies.
const (
	HeaderDeviceID        = "X-Device-ID"
	HeaderRefreshToken    = "X-Refresh-Token"
	HeaderNewAccessToken  = "X-New-Access-Token"
	HeaderNewRefreshToken = "X-New-Refresh-Token"

	CookieAccessToken  = "ps_token"
	CookieRefreshToken = "ps_refresh"
)

const (
	// contextClaims is the gin context key carrying verified token claims.
	contextClaims = "parentshield.claims"

	maxHeaderValueLength = 1024
	maxScanBodyBytes     = 1 << 20
)

// Components collects the security components the pipeline composes.
type Components struct {
	Keys      *keystore.Manager
	Hasher    *credential.Hasher
	Tokens    *token.Service
	TwoFactor *twofactor.Manager
	CSRF      *csrf.Guard
	Inspector *waf.Inspector
	Limiter   *ratelimit.Limiter
	Accounts  identity.Store
	Logger    observability.Logger
	Sink      audit.Sink
}

// Pipeline wires the components into gin middleware and exposes the
// crypto/auth façade to the route layer.
type Pipeline struct {
	cfg       *config.Config
	keys      *keystore.Manager
	hasher    *credential.Hasher
	tokens    *token.Service
	second    *twofactor.Manager
	guard     *csrf.Guard
	inspector *waf.Inspector
	limiter   *ratelimit.Limiter
	accounts  identity.Store
	logger    observability.Logger
	sink      audit.Sink

	authPrefixes      []string
	sensitivePrefixes []string
}

// New creates a pipeline and subscribes the rate limiter to the
// inspector's ban set so bans apply uniformly.
func New(cfg *config.Config, components Components) *Pipeline {
	p := &Pipeline{
		cfg:               cfg,
		keys:              components.Keys,
		hasher:            components.Hasher,
		tokens:            components.Tokens,
		second:            components.TwoFactor,
		guard:             components.CSRF,
		inspector:         components.Inspector,
		limiter:           components.Limiter,
		accounts:          components.Accounts,
		logger:            components.Logger,
		sink:              components.Sink,
		authPrefixes:      []string{"/api/v1/auth"},
		sensitivePrefixes: []string{"/api/v1/admin", "/api/v1/keys"},
	}
	if p.logger == nil {
		p.logger = observability.NopLogger()
	}
	if p.sink == nil {
		p.sink = audit.NopSink{}
	}
	if p.inspector != nil && p.limiter != nil {
		p.inspector.SetBanListener(p.limiter)
	}
	return p
}

// Chain returns the full ordered middleware chain for protected routes.
func (p *Pipeline) Chain() []gin.HandlerFunc {
	return append(p.PublicChain(), p.Authenticate())
}

// PublicChain returns the chain without token verification, for routes
// such as login that precede authentication.
func (p *Pipeline) PublicChain() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		p.BanCheck(),
		p.ValidateHeaders(),
		p.RateLimit(),
		p.WAF(),
		p.CSRF(),
	}
}

// BanCheck rejects requests from banned addresses before any other
// processing.
func (p *Pipeline) BanCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.ClientIP()
		if p.inspector.Banned(addr) || p.limiter.Banned(addr) {
			reject(c, http.StatusForbidden, CodeIPBlocked, "access denied")
			return
		}
		c.Next()
	}
}

// ValidateHeaders rejects requests carrying malformed header values before
// they reach any parser.
func (p *Pipeline) ValidateHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range []string{"User-Agent", HeaderDeviceID, HeaderRefreshToken} {
			if !validHeaderValue(c.GetHeader(name)) {
				reject(c, http.StatusForbidden, CodeWAFBlocked, "request blocked")
				return
			}
		}
		c.Next()
	}
}

// RateLimit charges the request against the budget scope derived from its
// path.
func (p *Pipeline) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := p.scopeFor(c.Request.URL.Path)
		result := p.limiter.Allow(c.Request.Context(), scope, c.ClientIP())
		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			reject(c, http.StatusTooManyRequests, CodeRateLimitExceeded, "too many requests")
			return
		}
		c.Next()
	}
}

// WAF runs the request inspector. The body is buffered so the route
// handler can still read it after the scan.
func (p *Pipeline) WAF() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body []byte
		if c.Request.Body != nil && !csrf.SafeMethod(c.Request.Method) {
			body, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxScanBodyBytes))
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		err := p.inspector.Inspect(c.Request.Context(), &waf.Request{
			Address:  c.ClientIP(),
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			RawQuery: c.Request.URL.RawQuery,
			Body:     body,
		})
		switch {
		case err == nil:
			c.Next()
		case err == waf.ErrAddressBanned:
			reject(c, http.StatusForbidden, CodeIPBlocked, "access denied")
		case err == waf.ErrGeoBlocked:
			reject(c, http.StatusForbidden, CodeGeoBlocked, "access denied")
		default:
			// Detections get a generic message; the category stays in the
			// audit trail only.
			reject(c, http.StatusForbidden, CodeWAFBlocked, "request blocked")
		}
	}
}

// CSRF enforces the double-submit check on state-changing methods.
func (p *Pipeline) CSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, _ := c.Cookie(p.guard.CookieName())
		header := c.GetHeader(p.guard.HeaderName())
		if err := p.guard.Check(c.Request.Method, cookie, header); err != nil {
			p.sink.Record(audit.NewEvent(audit.KindCSRFMismatch, audit.SeverityWarning).
				WithAddress(c.ClientIP()).
				WithRequest(c.Request.Method, c.Request.URL.Path).
				WithDetail(err.Error()))
			reject(c, http.StatusForbidden, CodeCSRFMismatch, "invalid anti-forgery token")
			return
		}
		c.Next()
	}
}

// Authenticate verifies the bearer token and device binding, stores the
// claims on the context, and transparently renews near-expiry tokens.
func (p *Pipeline) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			reject(c, http.StatusUnauthorized, CodeUnauthorized, "missing credentials")
			return
		}

		addr := c.ClientIP()
		deviceID := c.GetHeader(HeaderDeviceID)
		claims, err := p.tokens.Verify(raw, deviceID)
		if err != nil {
			p.rejectTokenError(c, addr, err)
			return
		}
		if claims.Kind == token.KindRefresh {
			reject(c, http.StatusUnauthorized, CodeTokenInvalid, "invalid credentials")
			return
		}

		c.Set(contextClaims, claims)
		p.maybeRenew(c, claims, deviceID)
		c.Next()
	}
}

func (p *Pipeline) rejectTokenError(c *gin.Context, addr string, err error) {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		// A distinct code lets clients refresh silently.
		reject(c, http.StatusUnauthorized, CodeTokenExpired, "token expired")
	case errors.Is(err, token.ErrFingerprintMismatch):
		p.sink.Record(audit.NewEvent(audit.KindDeviceMismatch, audit.SeverityCritical).
			WithAddress(addr).
			WithRequest(c.Request.Method, c.Request.URL.Path))
		p.inspector.RecordSuspicious(addr, "device fingerprint mismatch")
		reject(c, http.StatusForbidden, CodeInvalidDevice, "device not recognized")
	default:
		if token.IsSecurityEvent(err) {
			p.inspector.RecordSuspicious(addr, "invalid token signature")
		}
		reject(c, http.StatusUnauthorized, CodeTokenInvalid, "invalid credentials")
	}
}

// maybeRenew issues replacement tokens through response metadata when the
// access token is close to expiry and a refresh token is available. A
// failure here never interrupts the primary response.
func (p *Pipeline) maybeRenew(c *gin.Context, claims *token.Claims, deviceID string) {
	if !p.tokens.ShouldRenew(claims, time.Now()) {
		return
	}
	refresh := c.GetHeader(HeaderRefreshToken)
	if refresh == "" {
		refresh, _ = c.Cookie(CookieRefreshToken)
	}
	if refresh == "" {
		return
	}

	pair, err := p.tokens.Refresh(refresh, deviceID)
	if err != nil {
		p.logger.Warn("transparent token renewal failed",
			observability.String("subject", claims.Subject),
			observability.Error(err),
		)
		return
	}
	c.Header(HeaderNewAccessToken, pair.AccessToken)
	c.Header(HeaderNewRefreshToken, pair.RefreshToken)
	p.sink.Record(audit.NewEvent(audit.KindTokenRefresh, audit.SeverityInfo).
		WithSubject(claims.Subject).
		WithAddress(c.ClientIP()))
}

// RequireRole restricts a route to the given roles. It must run after
// Authenticate.
func (p *Pipeline) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			reject(c, http.StatusUnauthorized, CodeUnauthorized, "missing credentials")
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}
		reject(c, http.StatusForbidden, CodeForbidden, "insufficient permissions")
	}
}

// RequireTwoFactor restricts a route to sessions holding a fresh
// second-factor confirmation. Unprivileged roles pass through.
func (p *Pipeline) RequireTwoFactor() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			reject(c, http.StatusUnauthorized, CodeUnauthorized, "missing credentials")
			return
		}
		if !p.second.Gate(claims.JWTID, claims.Role) {
			reject(c, http.StatusForbidden, CodeForbidden, "two-factor confirmation required")
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the verified claims stored by Authenticate.
func ClaimsFrom(c *gin.Context) (*token.Claims, bool) {
	value, ok := c.Get(contextClaims)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*token.Claims)
	return claims, ok
}

func (p *Pipeline) scopeFor(path string) ratelimit.Scope {
	for _, prefix := range p.authPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ratelimit.ScopeAuth
		}
	}
	for _, prefix := range p.sensitivePrefixes {
		if strings.HasPrefix(path, prefix) {
			return ratelimit.ScopeSensitive
		}
	}
	return ratelimit.ScopeGeneral
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	cookie, _ := c.Cookie(CookieAccessToken)
	return cookie
}

func validHeaderValue(value string) bool {
	if len(value) > maxHeaderValueLength {
		return false
	}
	for _, r := range value {
		if r < 0x20 && r != '\t' {
			return false
		}
		if r == 0x7f {
			return false
		}
	}
	return true
}
