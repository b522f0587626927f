// Package csrf implements a double-submit-cookie anti-forgery guard.
package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/keystore"
	"github.com/parentshield/parentshield/internal/observability"
)

// Package errors.
var (
	ErrTokenMissing  = errors.New("csrf token missing")
	ErrTokenMismatch = errors.New("csrf token mismatch")
)

// Default cookie and header names when the config leaves them empty.
const (
	DefaultCookieName = "ps_csrf"
	DefaultHeaderName = "X-CSRF-Token"
)

// Guard issues per-session anti-forgery tokens and enforces the
// double-submit check: the cookie value must be echoed byte-exact in the
// request header for every state-changing method.
type Guard struct {
	keys   *keystore.Manager
	cfg    config.CSRFConfig
	logger observability.Logger
}

// GuardOption is a functional option for the Guard.
type GuardOption func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a CSRF guard keyed on the message-authentication
// material.
func NewGuard(keys *keystore.Manager, cfg config.CSRFConfig, opts ...GuardOption) *Guard {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	g := &Guard{
		keys:   keys,
		cfg:    cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CookieName returns the configured cookie name.
func (g *Guard) CookieName() string { return g.cfg.CookieName }

// HeaderName returns the configured header name.
func (g *Guard) HeaderName() string { return g.cfg.HeaderName }

// Issue derives the per-session token from the session identity, issuance
// time, and user agent, keyed with the active message-authentication key.
func (g *Guard) Issue(sessionID, userAgent string) (string, error) {
	record, err := g.keys.Active(keystore.RoleMessageAuth)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, record.Material)
	mac.Write([]byte(sessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(time.Now().Unix(), 10)))
	mac.Write([]byte{0})
	mac.Write([]byte(userAgent))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Cookie wraps a token in the scoped, non-script-readable session cookie.
func (g *Guard) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.cfg.CookieTTL.Duration().Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// SafeMethod reports whether the method bypasses the check entirely.
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Check enforces the double-submit rule for a request method. Safe methods
// always pass; all others require the header value to equal the cookie value
// byte-exact, compared in constant time.
func (g *Guard) Check(method, cookieValue, headerValue string) error {
	if SafeMethod(method) {
		return nil
	}
	if cookieValue == "" || headerValue == "" {
		return ErrTokenMissing
	}
	if len(cookieValue) != len(headerValue) ||
		subtle.ConstantTimeCompare([]byte(cookieValue), []byte(headerValue)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}
