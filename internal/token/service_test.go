package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/keystore"
)

var testBindingSecret = []byte("test-device-binding-secret-32byte")

func testTokenConfig() config.TokenConfig {
	return config.TokenConfig{
		Issuer:          "parentshield",
		Audience:        "parentshield-api",
		AccessLifetime:  config.Duration(15 * time.Minute),
		RefreshLifetime: config.Duration(7 * 24 * time.Hour),
		RenewThreshold:  config.Duration(10 * time.Minute),
	}
}

// newTestService returns a service backed by a throwaway keystore. When
// asymmetric is set a token-signing key is generated, otherwise the service
// falls back to HMAC over the message-authentication key.
func newTestService(t *testing.T, asymmetric bool) (*Service, *keystore.Manager) {
	t.Helper()
	keys, err := keystore.NewManager(config.KeysConfig{
		Dir:           t.TempDir(),
		MaxKeyAge:     config.Duration(90 * 24 * time.Hour),
		OverlapWindow: config.Duration(time.Hour),
	})
	require.NoError(t, err)

	_, err = keys.LoadOrCreate(keystore.RoleMessageAuth, keystore.DefaultSymmetricLength)
	require.NoError(t, err)
	if asymmetric {
		_, err = keys.LoadOrCreate(keystore.RoleTokenSigning, 0)
		require.NoError(t, err)
	}

	return NewService(keys, testTokenConfig(), testBindingSecret, false), keys
}

func TestService_IssueVerify(t *testing.T) {
	svc, _ := newTestService(t, true)

	tok, err := svc.Issue(&Claims{
		Subject:  "parent-1",
		Role:     "parent",
		DeviceID: "device-a",
	}, 15*time.Minute, true)
	require.NoError(t, err)
	assert.Len(t, strings.Split(tok, "."), 3)

	claims, err := svc.Verify(tok, "device-a")
	require.NoError(t, err)
	assert.Equal(t, "parent-1", claims.Subject)
	assert.Equal(t, "parent", claims.Role)
	assert.Equal(t, "device-a", claims.DeviceID)
	assert.NotEmpty(t, claims.DeviceFingerprint)
	assert.NotEmpty(t, claims.JWTID)
	assert.Equal(t, "parentshield", claims.Issuer)
	assert.Equal(t, "parentshield-api", claims.Audience)
}

func TestService_IssueVerify_HMACFallback(t *testing.T) {
	// No token-signing key loaded, so the service signs with HS256.
	svc, _ := newTestService(t, false)

	tok, err := svc.Issue(&Claims{Subject: "parent-1"}, time.Minute, false)
	require.NoError(t, err)

	header := decodeTokenHeader(t, tok)
	assert.Equal(t, algHS256, header["alg"])

	claims, err := svc.Verify(tok, "")
	require.NoError(t, err)
	assert.Equal(t, "parent-1", claims.Subject)
}

func TestService_Verify_Errors(t *testing.T) {
	svc, _ := newTestService(t, true)

	valid, err := svc.Issue(&Claims{Subject: "parent-1", DeviceID: "device-a"}, 15*time.Minute, true)
	require.NoError(t, err)

	// A structurally valid token signed for a different payload supplies a
	// well-formed but wrong signature.
	other, err := svc.Issue(&Claims{Subject: "parent-2", DeviceID: "device-a"}, 15*time.Minute, true)
	require.NoError(t, err)
	validParts := strings.Split(valid, ".")
	otherParts := strings.Split(other, ".")
	spliced := validParts[0] + "." + validParts[1] + "." + otherParts[2]

	expired, err := svc.Issue(&Claims{Subject: "parent-1", DeviceID: "device-a"}, -time.Minute, true)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		deviceID string
		wantErr  error
	}{
		{"empty token", "", "device-a", ErrEmptyToken},
		{"two segments", "abc.def", "device-a", ErrTokenMalformed},
		{"garbage", "not-a-token", "device-a", ErrTokenMalformed},
		{"wrong signature", spliced, "device-a", ErrInvalidSignature},
		{"expired", expired, "device-a", ErrTokenExpired},
		{"wrong device", valid, "device-b", ErrFingerprintMismatch},
		{"missing device", valid, "", ErrFingerprintMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(tt.token, tt.deviceID)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_Verify_TamperedPayload(t *testing.T) {
	svc, _ := newTestService(t, true)

	tok, err := svc.Issue(&Claims{Subject: "parent-1", Role: "parent"}, 15*time.Minute, false)
	require.NoError(t, err)

	// Swap the role claim while keeping the original signature.
	parts := strings.Split(tok, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	forged := strings.Replace(string(payload), `"parent"`, `"admin"`, 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))

	_, err = svc.Verify(strings.Join(parts, "."), "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestService_Verify_UnsupportedAlgorithm(t *testing.T) {
	svc, _ := newTestService(t, true)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"parent-1"}`))
	sig := base64.RawURLEncoding.EncodeToString([]byte("sig"))

	_, err := svc.Verify(header+"."+payload+"."+sig, "")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestService_Verify_IssuerAudience(t *testing.T) {
	svc, keys := newTestService(t, true)

	foreign := NewService(keys, config.TokenConfig{
		Issuer:          "someone-else",
		Audience:        "other-api",
		AccessLifetime:  config.Duration(15 * time.Minute),
		RefreshLifetime: config.Duration(time.Hour),
	}, testBindingSecret, false)

	tok, err := foreign.Issue(&Claims{Subject: "parent-1"}, time.Minute, false)
	require.NoError(t, err)

	_, err = svc.Verify(tok, "")
	assert.ErrorIs(t, err, ErrInvalidIssuer)
}

func TestService_Verify_LocalModeSkipsIssuer(t *testing.T) {
	_, keys := newTestService(t, true)

	local := NewService(keys, testTokenConfig(), testBindingSecret, true)
	tok, err := local.Issue(&Claims{Subject: "parent-1"}, time.Minute, false)
	require.NoError(t, err)

	claims, err := local.Verify(tok, "")
	require.NoError(t, err)
	assert.Empty(t, claims.Issuer)
}

func TestService_RotationOverlap(t *testing.T) {
	svc, keys := newTestService(t, true)

	before, err := svc.Issue(&Claims{Subject: "parent-1"}, 15*time.Minute, false)
	require.NoError(t, err)

	_, err = keys.Rotate(keystore.RoleTokenSigning)
	require.NoError(t, err)

	// The pre-rotation token stays valid through the overlap window.
	_, err = svc.Verify(before, "")
	require.NoError(t, err)

	// Post-rotation tokens carry the new key ID and verify against it.
	after, err := svc.Issue(&Claims{Subject: "parent-1"}, 15*time.Minute, false)
	require.NoError(t, err)
	assert.NotEqual(t, decodeTokenHeader(t, before)["kid"], decodeTokenHeader(t, after)["kid"])
	_, err = svc.Verify(after, "")
	require.NoError(t, err)
}

func TestService_IssuePair(t *testing.T) {
	svc, _ := newTestService(t, true)

	pair, err := svc.IssuePair(&Claims{Subject: "parent-1", Role: "parent", DeviceID: "device-a"})
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), pair.AccessExpiresAt, 5*time.Second)

	access, err := svc.Verify(pair.AccessToken, "device-a")
	require.NoError(t, err)
	assert.Equal(t, KindAccess, access.Kind)

	refresh, err := svc.Verify(pair.RefreshToken, "device-a")
	require.NoError(t, err)
	assert.Equal(t, KindRefresh, refresh.Kind)
	assert.True(t, refresh.ExpiresAt.After(access.ExpiresAt.Time))
}

func TestService_Refresh(t *testing.T) {
	svc, _ := newTestService(t, true)

	pair, err := svc.IssuePair(&Claims{Subject: "parent-1", Role: "parent", DeviceID: "device-a"})
	require.NoError(t, err)

	renewed, err := svc.Refresh(pair.RefreshToken, "device-a")
	require.NoError(t, err)

	claims, err := svc.Verify(renewed.AccessToken, "device-a")
	require.NoError(t, err)
	assert.Equal(t, "parent-1", claims.Subject)
	assert.Equal(t, "parent", claims.Role)
	assert.Equal(t, KindAccess, claims.Kind)
}

func TestService_Refresh_RejectsAccessToken(t *testing.T) {
	svc, _ := newTestService(t, true)

	pair, err := svc.IssuePair(&Claims{Subject: "parent-1", DeviceID: "device-a"})
	require.NoError(t, err)

	_, err = svc.Refresh(pair.AccessToken, "device-a")
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestService_Refresh_WrongDevice(t *testing.T) {
	svc, _ := newTestService(t, true)

	pair, err := svc.IssuePair(&Claims{Subject: "parent-1", DeviceID: "device-a"})
	require.NoError(t, err)

	_, err = svc.Refresh(pair.RefreshToken, "device-b")
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestService_ShouldRenew(t *testing.T) {
	svc, _ := newTestService(t, true)
	now := time.Now()

	tests := []struct {
		name      string
		remaining time.Duration
		want      bool
	}{
		{"well inside lifetime", 14 * time.Minute, false},
		{"at threshold", 10 * time.Minute, false},
		{"below threshold", 5 * time.Minute, true},
		{"almost expired", time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := &Claims{ExpiresAt: At(now.Add(tt.remaining))}
			assert.Equal(t, tt.want, svc.ShouldRenew(claims, now))
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("device-a", "parent-1", testBindingSecret)
	assert.Equal(t, a, Fingerprint("device-a", "parent-1", testBindingSecret))
	assert.NotEqual(t, a, Fingerprint("device-b", "parent-1", testBindingSecret))
	assert.NotEqual(t, a, Fingerprint("device-a", "parent-2", testBindingSecret))
	assert.NotEqual(t, a, Fingerprint("device-a", "parent-1", []byte("other-secret")))

	// The separator keeps device/subject boundaries unambiguous.
	assert.NotEqual(t,
		Fingerprint("ab", "c", testBindingSecret),
		Fingerprint("a", "bc", testBindingSecret),
	)
}

func decodeTokenHeader(t *testing.T, tok string) map[string]string {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(strings.Split(tok, ".")[0])
	require.NoError(t, err)
	header := map[string]string{}
	require.NoError(t, json.Unmarshal(raw, &header))
	return header
}
