package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/credential"
	"github.com/parentshield/parentshield/internal/csrf"
	"github.com/parentshield/parentshield/internal/identity"
	"github.com/parentshield/parentshield/internal/keystore"
	"github.com/parentshield/parentshield/internal/ratelimit"
	"github.com/parentshield/parentshield/internal/ratelimit/store"
	"github.com/parentshield/parentshield/internal/token"
	"github.com/parentshield/parentshield/internal/twofactor"
	"github.com/parentshield/parentshield/internal/waf"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testPassword = "correct-horse-battery"

type testEnv struct {
	pipeline *Pipeline
	router   *gin.Engine
	sink     *audit.MemorySink
	tokens   *token.Service
	second   *twofactor.Manager
	accounts *identity.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvStaging
	cfg.Keys.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	keys, err := keystore.NewManager(cfg.Keys)
	require.NoError(t, err)
	_, err = keys.LoadOrCreate(keystore.RoleEncryption, keystore.DefaultSymmetricLength)
	require.NoError(t, err)
	_, err = keys.LoadOrCreate(keystore.RoleMessageAuth, keystore.DefaultSymmetricLength)
	require.NoError(t, err)
	_, err = keys.LoadOrCreate(keystore.RoleTokenSigning, 0)
	require.NoError(t, err)

	sink := audit.NewMemorySink()
	hasher := credential.NewHasher([]byte("pepper"), credential.WithIterations(1000))
	tokens := token.NewService(keys, cfg.Token, []byte("binding-secret"), false)
	second := twofactor.NewManager(cfg.TwoFactor, []byte("twofactor-master"), twofactor.WithAuditSink(sink))
	guard := csrf.NewGuard(keys, cfg.CSRF)
	inspector := waf.NewInspector(cfg.WAF, waf.WithAuditSink(sink))

	memory := store.NewMemoryStore()
	t.Cleanup(func() { _ = memory.Close() })
	limiter := ratelimit.NewLimiter(memory, cfg.RateLimit, cfg.IsProduction(), ratelimit.WithAuditSink(sink))

	accounts := identity.NewMemoryStore()
	passwordHash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	accounts.Put(identity.Record{
		AccountID:      "parent-1",
		PasswordHash:   passwordHash,
		Role:           "parent",
		DeviceBindings: []string{"device-a"},
	})
	accounts.Put(identity.Record{
		AccountID:      "admin-1",
		PasswordHash:   passwordHash,
		Role:           "admin",
		DeviceBindings: []string{"device-b"},
	})

	p := New(cfg, Components{
		Keys:      keys,
		Hasher:    hasher,
		Tokens:    tokens,
		TwoFactor: second,
		CSRF:      guard,
		Inspector: inspector,
		Limiter:   limiter,
		Accounts:  accounts,
		Sink:      sink,
	})

	router := gin.New()
	router.Use(p.PublicChain()...)
	router.POST("/api/v1/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	protected := router.Group("/", p.Authenticate())
	protected.GET("/api/v1/children", func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.JSON(http.StatusOK, gin.H{"success": true, "subject": claims.Subject})
	})
	protected.POST("/api/v1/children", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	p.RegisterAdminRoutes(protected.Group("/api/v1"))

	return &testEnv{
		pipeline: p,
		router:   router,
		sink:     sink,
		tokens:   tokens,
		second:   second,
		accounts: accounts,
	}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) loginAs(t *testing.T, accountID, deviceID string) *token.Pair {
	t.Helper()
	pair, err := env.pipeline.IssueTokenPair(context.Background(), accountID, deviceID)
	require.NoError(t, err)
	return pair
}

func getReq(path, bearer, deviceID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.1:4242"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if deviceID != "" {
		req.Header.Set(HeaderDeviceID, deviceID)
	}
	return req
}

func decodeRejection(t *testing.T, rec *httptest.ResponseRecorder) Rejection {
	t.Helper()
	var rejection Rejection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejection))
	return rejection
}

func TestPipeline_AuthenticatedRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.loginAs(t, "parent-1", "device-a")

	rec := env.do(getReq("/api/v1/children", pair.AccessToken, "device-a"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subject":"parent-1"`)
}

func TestPipeline_MissingToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(getReq("/api/v1/children", "", ""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rejection := decodeRejection(t, rec)
	assert.False(t, rejection.Success)
	assert.Equal(t, CodeUnauthorized, rejection.Code)
}

func TestPipeline_TokenFromCookie(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.loginAs(t, "parent-1", "device-a")

	req := getReq("/api/v1/children", "", "device-a")
	req.AddCookie(&http.Cookie{Name: CookieAccessToken, Value: pair.AccessToken})
	rec := env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipeline_WrongDevice(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.loginAs(t, "parent-1", "device-a")

	rec := env.do(getReq("/api/v1/children", pair.AccessToken, "device-x"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeInvalidDevice, decodeRejection(t, rec).Code)
	assert.Len(t, env.sink.ByKind(audit.KindDeviceMismatch), 1)
}

func TestPipeline_ExpiredToken(t *testing.T) {
	env := newTestEnv(t, nil)

	expired, err := env.tokens.Issue(&token.Claims{
		Subject: "parent-1",
		Role:    "parent",
		Kind:    token.KindAccess,
	}, -time.Minute, false)
	require.NoError(t, err)

	rec := env.do(getReq("/api/v1/children", expired, ""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeTokenExpired, decodeRejection(t, rec).Code)
}

func TestPipeline_GarbageToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(getReq("/api/v1/children", "not-a-token", ""))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeTokenInvalid, decodeRejection(t, rec).Code)
}

func TestPipeline_RefreshTokenCannotAuthenticate(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.loginAs(t, "parent-1", "device-a")

	rec := env.do(getReq("/api/v1/children", pair.RefreshToken, "device-a"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeTokenInvalid, decodeRejection(t, rec).Code)
}

func TestPipeline_CSRFEnforcedOnMutation(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.loginAs(t, "parent-1", "device-a")

	// POST without tokens is rejected before authentication runs.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/children", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.1:4242"
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	req.Header.Set(HeaderDeviceID, "device-a")
	rec := env.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeCSRFMismatch, decodeRejection(t, rec).Code)
	assert.Len(t, env.sink.ByKind(audit.KindCSRFMismatch), 1)

	// A matching cookie/header pair passes.
	value, err := env.pipeline.guard.Issue("session-1", "test-agent")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/children", strings.NewReader(`{}`))
	req.RemoteAddr = "203.0.113.1:4242"
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	req.Header.Set(HeaderDeviceID, "device-a")
	req.Header.Set(env.pipeline.guard.HeaderName(), value)
	req.AddCookie(&http.Cookie{Name: env.pipeline.guard.CookieName(), Value: value})
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipeline_WAFBlocksInjection(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username": "' OR '1'='1"}`))
	req.RemoteAddr = "203.0.113.1:4242"
	rec := env.do(req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	rejection := decodeRejection(t, rec)
	assert.Equal(t, CodeWAFBlocked, rejection.Code)
	// Only a generic message reaches the caller.
	assert.NotContains(t, rejection.Message, "sql")
	assert.Len(t, env.sink.ByKind(audit.KindWAFDetection), 1)
}

func TestPipeline_RateLimitAuthScope(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.Auth = config.BudgetConfig{Requests: 3, Window: config.Duration(time.Minute)}
	})

	var last *httptest.ResponseRecorder
	for n := 0; n < 4; n++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{}`))
		req.RemoteAddr = "203.0.113.1:4242"
		last = env.do(req)
	}

	require.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, CodeRateLimitExceeded, decodeRejection(t, last).Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.NotEmpty(t, env.sink.ByKind(audit.KindRateLimitExceeded))
}

func TestPipeline_BanShortCircuits(t *testing.T) {
	env := newTestEnv(t, nil)

	// Flood until the DDoS heuristic bans the address.
	for n := 0; n < 15; n++ {
		env.do(getReq("/api/v1/children", "", ""))
	}
	require.True(t, env.pipeline.inspector.Banned("203.0.113.1"))

	// The ban check now rejects before any other stage.
	rec := env.do(getReq("/api/v1/children", "", ""))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeIPBlocked, decodeRejection(t, rec).Code)

	// The limiter mirrors the ban.
	assert.True(t, env.pipeline.limiter.Banned("203.0.113.1"))
}

func TestPipeline_MalformedHeaderRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	req := getReq("/api/v1/children", "", "")
	req.Header.Set(HeaderDeviceID, "device\x00binary")
	rec := env.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeWAFBlocked, decodeRejection(t, rec).Code)
}

func TestPipeline_TransparentRenewal(t *testing.T) {
	env := newTestEnv(t, nil)
	pair := env.loginAs(t, "parent-1", "device-a")

	// An access token inside the renewal threshold triggers replacement
	// through response metadata.
	nearExpiry, err := env.tokens.Issue(&token.Claims{
		Subject:  "parent-1",
		Role:     "parent",
		DeviceID: "device-a",
		Kind:     token.KindAccess,
	}, 5*time.Minute, true)
	require.NoError(t, err)

	req := getReq("/api/v1/children", nearExpiry, "device-a")
	req.Header.Set(HeaderRefreshToken, pair.RefreshToken)
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderNewAccessToken))
	assert.NotEmpty(t, rec.Header().Get(HeaderNewRefreshToken))
	assert.Len(t, env.sink.ByKind(audit.KindTokenRefresh), 1)

	// A failed renewal never interrupts the primary response.
	req = getReq("/api/v1/children", nearExpiry, "device-a")
	req.Header.Set(HeaderRefreshToken, "garbage")
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderNewAccessToken))
}

func TestPipeline_RequireRole(t *testing.T) {
	env := newTestEnv(t, nil)
	parent := env.loginAs(t, "parent-1", "device-a")

	rec := env.do(getReq("/api/v1/admin/bans", parent.AccessToken, "device-a"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, decodeRejection(t, rec).Code)
}

func TestPipeline_AdminRequiresTwoFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.loginAs(t, "admin-1", "device-b")

	claims, err := env.tokens.Verify(admin.AccessToken, "device-b")
	require.NoError(t, err)

	// Without a fresh confirmation the admin is turned away.
	rec := env.do(getReq("/api/v1/admin/bans", admin.AccessToken, "device-b"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Confirming the session opens the gate.
	env.second.ConfirmSession(claims.JWTID, "admin-1")
	rec = env.do(getReq("/api/v1/admin/bans", admin.AccessToken, "device-b"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
}

func TestPipeline_AdminUnban(t *testing.T) {
	env := newTestEnv(t, nil)
	admin := env.loginAs(t, "admin-1", "device-b")
	claims, err := env.tokens.Verify(admin.AccessToken, "device-b")
	require.NoError(t, err)
	env.second.ConfirmSession(claims.JWTID, "admin-1")

	// Ban an address from a different client, then lift it as the admin.
	for n := 0; n < 15; n++ {
		req := getReq("/api/v1/children", "", "")
		req.RemoteAddr = "198.51.100.7:999"
		env.do(req)
	}
	require.True(t, env.pipeline.inspector.Banned("198.51.100.7"))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/bans/198.51.100.7", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	req.Header.Set("Authorization", "Bearer "+admin.AccessToken)
	req.Header.Set(HeaderDeviceID, "device-b")
	value, err := env.pipeline.guard.Issue(claims.JWTID, "")
	require.NoError(t, err)
	req.Header.Set(env.pipeline.guard.HeaderName(), value)
	req.AddCookie(&http.Cookie{Name: env.pipeline.guard.CookieName(), Value: value})
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.pipeline.inspector.Banned("198.51.100.7"))
	assert.Len(t, env.sink.ByKind(audit.KindAdminAction), 1)
}

func TestPipeline_Facade(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.pipeline

	// Password hashing round-trip.
	encoded, err := p.HashPassword("s3cret")
	require.NoError(t, err)
	assert.NoError(t, p.VerifyPassword("s3cret", encoded))
	assert.Error(t, p.VerifyPassword("wrong", encoded))

	// Value encryption round-trip.
	sealed, err := p.EncryptValue([]byte("location history"))
	require.NoError(t, err)
	opened, err := p.DecryptValue(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("location history"), opened)

	// Device binding is enforced at issuance.
	_, err = p.IssueTokenPair(context.Background(), "parent-1", "unregistered-device")
	assert.ErrorIs(t, err, ErrDeviceNotBound)
	_, err = p.IssueTokenPair(context.Background(), "nobody", "device-a")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestPipeline_AuthenticateAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.pipeline

	record, err := p.AuthenticateAccount(context.Background(), "parent-1", testPassword, "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "parent", record.Role)
	assert.Len(t, env.sink.ByKind(audit.KindAuthSuccess), 1)

	_, err = p.AuthenticateAccount(context.Background(), "parent-1", "wrong", "203.0.113.5")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = p.AuthenticateAccount(context.Background(), "ghost", testPassword, "203.0.113.5")
	assert.ErrorIs(t, err, ErrBadCredentials)
	assert.Len(t, env.sink.ByKind(audit.KindAuthFailure), 2)
}
