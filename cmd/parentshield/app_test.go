package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/identity"
	"github.com/parentshield/parentshield/internal/observability"
	"github.com/parentshield/parentshield/internal/secrets"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAppPassword = "correct-horse-battery"

type appEnv struct {
	app    *application
	router *gin.Engine
}

func newTestApp(t *testing.T) *appEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvLocal
	cfg.Keys.Dir = t.TempDir()

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.counters.Close() })

	hash, err := app.pipeline.HashPassword(testAppPassword)
	require.NoError(t, err)
	app.accounts.Put(identity.Record{
		AccountID:      "parent-1",
		PasswordHash:   hash,
		Role:           "parent",
		DeviceBindings: []string{"device-a"},
	})

	return &appEnv{app: app, router: app.buildRouter()}
}

func (e *appEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// csrfPair fetches an anti-forgery pair through the bootstrap endpoint.
func (e *appEnv) csrfPair(t *testing.T) (cookie *http.Cookie, headerValue string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf", nil)
	req.RemoteAddr = "203.0.113.1:4242"
	req.Header.Set("User-Agent", "test-agent")
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	headerValue = body["data"].(map[string]any)["csrfToken"].(string)
	for _, c := range rec.Result().Cookies() {
		if c.Name == e.app.cfg.CSRF.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	return cookie, headerValue
}

// login runs the full login flow and returns the issued token pair.
func (e *appEnv) login(t *testing.T) (accessToken, refreshToken string) {
	t.Helper()

	cookie, headerValue := e.csrfPair(t)
	payload := fmt.Sprintf(`{"accountId": "parent-1", "password": %q}`, testAppPassword)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(payload))
	req.RemoteAddr = "203.0.113.1:4242"
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", "device-a")
	req.Header.Set(e.app.cfg.CSRF.HeaderName, headerValue)
	req.AddCookie(cookie)
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tokens := decodeBody(t, rec)["data"].(map[string]any)["tokens"].(map[string]any)
	return tokens["accessToken"].(string), tokens["refreshToken"].(string)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestApplication_Health(t *testing.T) {
	env := newTestApp(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestApplication_MetricsEndpoint(t *testing.T) {
	env := newTestApp(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestApplication_JWKS(t *testing.T) {
	env := newTestApp(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	keys, ok := body["keys"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, keys)
	first := keys[0].(map[string]any)
	assert.Equal(t, "RSA", first["kty"])
	// Only public parameters leave the process.
	assert.NotContains(t, first, "d")
}

func TestApplication_LoginFlow(t *testing.T) {
	env := newTestApp(t)

	accessToken, refreshToken := env.login(t)
	assert.NotEmpty(t, accessToken)
	assert.NotEmpty(t, refreshToken)
}

func TestApplication_LoginRejectsBadPassword(t *testing.T) {
	env := newTestApp(t)

	cookie, headerValue := env.csrfPair(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"accountId": "parent-1", "password": "wrong"}`))
	req.RemoteAddr = "203.0.113.1:4242"
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(env.app.cfg.CSRF.HeaderName, headerValue)
	req.AddCookie(cookie)
	rec := env.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApplication_LoginRejectsUnboundDevice(t *testing.T) {
	env := newTestApp(t)

	cookie, headerValue := env.csrfPair(t)
	payload := fmt.Sprintf(`{"accountId": "parent-1", "password": %q}`, testAppPassword)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(payload))
	req.RemoteAddr = "203.0.113.1:4242"
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("X-Device-ID", "stolen-device")
	req.Header.Set(env.app.cfg.CSRF.HeaderName, headerValue)
	req.AddCookie(cookie)
	rec := env.do(req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApplication_RefreshEndpoint(t *testing.T) {
	env := newTestApp(t)
	_, refreshToken := env.login(t)

	cookie, headerValue := env.csrfPair(t)
	payload := fmt.Sprintf(`{"refreshToken": %q}`, refreshToken)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", strings.NewReader(payload))
	req.RemoteAddr = "203.0.113.1:4242"
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("X-Device-ID", "device-a")
	req.Header.Set(env.app.cfg.CSRF.HeaderName, headerValue)
	req.AddCookie(cookie)
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tokens := decodeBody(t, rec)["data"].(map[string]any)["tokens"].(map[string]any)
	assert.NotEmpty(t, tokens["accessToken"])
}

func TestApplication_TwoFactorEnrollAndVerify(t *testing.T) {
	env := newTestApp(t)
	accessToken, _ := env.login(t)
	cookie, headerValue := env.csrfPair(t)

	authedPost := func(path, body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.RemoteAddr = "203.0.113.1:4242"
		req.Header.Set("User-Agent", "test-agent")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("X-Device-ID", "device-a")
		req.Header.Set(env.app.cfg.CSRF.HeaderName, headerValue)
		req.AddCookie(cookie)
		return req
	}

	rec := env.do(authedPost("/api/v1/auth/2fa/enroll", ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeBody(t, rec)["data"].(map[string]any)
	uri := data["provisioningUri"].(string)
	require.NotEmpty(t, uri)
	assert.Len(t, data["backupCodes"].([]any), env.app.cfg.TwoFactor.BackupCodeCount)

	// Compute a valid code from the enrolled secret.
	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	secret := parsed.Query().Get("secret")
	require.NotEmpty(t, secret)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	rec = env.do(authedPost("/api/v1/auth/2fa/verify", fmt.Sprintf(`{"code": %q}`, code)))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(authedPost("/api/v1/auth/2fa/verify", `{"code": "000000"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApplication_TwoFactorBackupCode(t *testing.T) {
	env := newTestApp(t)
	accessToken, _ := env.login(t)
	cookie, headerValue := env.csrfPair(t)

	authedPost := func(path, body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.RemoteAddr = "203.0.113.1:4242"
		req.Header.Set("User-Agent", "test-agent")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("X-Device-ID", "device-a")
		req.Header.Set(env.app.cfg.CSRF.HeaderName, headerValue)
		req.AddCookie(cookie)
		return req
	}

	rec := env.do(authedPost("/api/v1/auth/2fa/enroll", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	codes := decodeBody(t, rec)["data"].(map[string]any)["backupCodes"].([]any)
	first := codes[0].(string)

	rec = env.do(authedPost("/api/v1/auth/2fa/backup-verify", fmt.Sprintf(`{"code": %q}`, first)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Backup codes are single use.
	rec = env.do(authedPost("/api/v1/auth/2fa/backup-verify", fmt.Sprintf(`{"code": %q}`, first)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApplication_TwoFactorRequiresAuth(t *testing.T) {
	env := newTestApp(t)

	cookie, headerValue := env.csrfPair(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/2fa/enroll", nil)
	req.RemoteAddr = "203.0.113.1:4242"
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(env.app.cfg.CSRF.HeaderName, headerValue)
	req.AddCookie(cookie)
	rec := env.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFetchSecret_LocalFallbackIsDeterministic(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvLocal
	provider, err := secrets.NewProvider(cfg.Secrets, observability.NopLogger())
	require.NoError(t, err)

	first, err := fetchSecret(cfg, observability.NopLogger(), provider, secrets.NameMasterKey)
	require.NoError(t, err)
	second, err := fetchSecret(cfg, observability.NopLogger(), provider, secrets.NameMasterKey)
	require.NoError(t, err)

	assert.Len(t, first, 32)
	assert.Equal(t, first, second)

	other, err := fetchSecret(cfg, observability.NopLogger(), provider, secrets.NamePasswordPepper)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestFetchSecret_StagingRequiresSecret(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvStaging
	provider, err := secrets.NewProvider(cfg.Secrets, observability.NopLogger())
	require.NoError(t, err)

	_, err = fetchSecret(cfg, observability.NopLogger(), provider, secrets.NameMasterKey)
	require.Error(t, err)
}

func TestFetchSecret_EnvValue(t *testing.T) {
	t.Setenv("PARENTSHIELD_SECRET_MASTER_KEY", "from-environment")

	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvStaging
	provider, err := secrets.NewProvider(cfg.Secrets, observability.NopLogger())
	require.NoError(t, err)

	value, err := fetchSecret(cfg, observability.NopLogger(), provider, secrets.NameMasterKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-environment"), value)
}
