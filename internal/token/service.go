package token

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/keystore"
	"github.com/parentshield/parentshield/internal/observability"
)

// Signing algorithm identifiers.
const (
	algRS256 = "RS256"
	algHS256 = "HS256"
)

// Pair is an access/refresh token pair.
type Pair struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

// Service issues and verifies tokens. Signing is asymmetric (RS256) when
// token-signing material exists and falls back to HMAC (HS256) over the
// message-authentication key otherwise. Verification accepts the active or
// the overlap-window prior key for either scheme.
type Service struct {
	keys          *keystore.Manager
	cfg           config.TokenConfig
	local         bool
	bindingSecret []byte
	logger        observability.Logger
	metrics       *Metrics
}

// ServiceOption is a functional option for the Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger observability.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceMetrics sets the metrics collector.
func WithServiceMetrics(metrics *Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// NewService creates a token service. The binding secret feeds device
// fingerprints; local mode skips issuer/audience enforcement.
func NewService(
	keys *keystore.Manager,
	cfg config.TokenConfig,
	bindingSecret []byte,
	local bool,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		keys:          keys,
		cfg:           cfg,
		local:         local,
		bindingSecret: append([]byte(nil), bindingSecret...),
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("parentshield")
	}
	return s
}

// Issue mints a signed token for the claims with the given lifetime. When
// bindToDevice is set and the claims carry a device ID, the device
// fingerprint is embedded.
func (s *Service) Issue(claims *Claims, lifetime time.Duration, bindToDevice bool) (string, error) {
	now := time.Now()
	out := *claims
	out.IssuedAt = At(now)
	out.ExpiresAt = At(now.Add(lifetime))
	if out.JWTID == "" {
		out.JWTID = uuid.New().String()
	}
	if !s.local {
		if out.Issuer == "" {
			out.Issuer = s.cfg.Issuer
		}
		if out.Audience == "" {
			out.Audience = s.cfg.Audience
		}
	}
	if bindToDevice && out.DeviceID != "" {
		out.DeviceFingerprint = Fingerprint(out.DeviceID, out.Subject, s.bindingSecret)
	}

	tok, err := s.sign(&out)
	if err != nil {
		s.metrics.RecordIssue("error")
		return "", err
	}
	s.metrics.RecordIssue("success")
	s.logger.Debug("token issued",
		observability.String("subject", out.Subject),
		observability.String("kind", string(out.Kind)),
	)
	return tok, nil
}

// IssuePair mints a short-lived access token and a longer-lived refresh
// token carrying the kind discriminator. Both are device-bound when the
// claims carry a device ID.
func (s *Service) IssuePair(claims *Claims) (*Pair, error) {
	bind := claims.DeviceID != ""

	access := *claims
	access.Kind = KindAccess
	accessToken, err := s.Issue(&access, s.cfg.AccessLifetime.Duration(), bind)
	if err != nil {
		return nil, err
	}

	refresh := *claims
	refresh.Kind = KindRefresh
	refreshToken, err := s.Issue(&refresh, s.cfg.RefreshLifetime.Duration(), bind)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: time.Now().Add(s.cfg.AccessLifetime.Duration()),
	}, nil
}

// Verify checks the token signature and standard claims, then the device
// fingerprint when one is embedded. presentedDeviceID is the device identity
// the caller supplied out of band; it must reproduce the embedded
// fingerprint.
func (s *Service) Verify(tokenStr, presentedDeviceID string) (*Claims, error) {
	claims, err := s.verifySigned(tokenStr)
	if err != nil {
		s.metrics.RecordVerify("error")
		return nil, err
	}

	if claims.DeviceFingerprint != "" {
		expected := Fingerprint(presentedDeviceID, claims.Subject, s.bindingSecret)
		if !fingerprintEqual(expected, claims.DeviceFingerprint) {
			s.metrics.RecordVerify("fingerprint_mismatch")
			return nil, ErrFingerprintMismatch
		}
	}

	s.metrics.RecordVerify("success")
	return claims, nil
}

// Refresh verifies a refresh token and reissues a fresh pair. Non-refresh
// kinds are rejected. Time, kind, and fingerprint fields are stripped before
// reissuance.
func (s *Service) Refresh(refreshToken, presentedDeviceID string) (*Pair, error) {
	claims, err := s.Verify(refreshToken, presentedDeviceID)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindRefresh {
		return nil, ErrWrongKind
	}
	return s.IssuePair(claims.stripped())
}

// ShouldRenew reports whether the remaining lifetime is below the renewal
// threshold.
func (s *Service) ShouldRenew(claims *Claims, now time.Time) bool {
	threshold := s.cfg.RenewThreshold.Duration()
	if threshold <= 0 {
		return false
	}
	return claims.ExpiresAt != nil && claims.Remaining(now) < threshold
}

// sign builds and signs the compact token.
func (s *Service) sign(claims *Claims) (string, error) {
	alg, kid, signer, err := s.resolveSigner()
	if err != nil {
		return "", err
	}

	header := map[string]string{"alg": alg, "typ": "JWT"}
	if kid != "" {
		header["kid"] = kid
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)

	signature, err := signer([]byte(signingInput))
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// resolveSigner picks RS256 when signing material exists, else HS256.
func (s *Service) resolveSigner() (alg, kid string, signer func([]byte) ([]byte, error), err error) {
	if key, keyID, keyErr := s.keys.SigningKey(); keyErr == nil {
		return algRS256, keyID, func(input []byte) ([]byte, error) {
			digest := sha256.Sum256(input)
			return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		}, nil
	}

	record, keyErr := s.keys.Active(keystore.RoleMessageAuth)
	if keyErr != nil {
		return "", "", nil, ErrNoSigningMaterial
	}
	return algHS256, record.ID, func(input []byte) ([]byte, error) {
		mac := hmac.New(sha256.New, record.Material)
		mac.Write(input)
		return mac.Sum(nil), nil
	}, nil
}

// verifySigned parses the token, checks its signature under the active or
// prior key material, and validates the time/issuer/audience claims.
func (s *Service) verifySigned(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrEmptyToken
	}

	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, ErrTokenMalformed
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	signingInput := []byte(parts[0] + "." + parts[1])

	if err := s.verifySignature(header.Alg, signingInput, signature); err != nil {
		return nil, err
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, ErrTokenMalformed
	}

	if claims.Expired(time.Now()) {
		return nil, ErrTokenExpired
	}
	if !s.local {
		if s.cfg.Issuer != "" && claims.Issuer != s.cfg.Issuer {
			return nil, ErrInvalidIssuer
		}
		if s.cfg.Audience != "" && claims.Audience != s.cfg.Audience {
			return nil, ErrInvalidAudience
		}
	}
	return &claims, nil
}

// verifySignature checks the signature under the active key, falling back to
// the overlap-window prior key so a rotation never invalidates tokens signed
// moments earlier.
func (s *Service) verifySignature(alg string, signingInput, signature []byte) error {
	switch alg {
	case algRS256:
		digest := sha256.Sum256(signingInput)
		if key, _, err := s.keys.SigningKey(); err == nil {
			if rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], signature) == nil {
				return nil
			}
		}
		if prev, _ := s.keys.PreviousSigningKey(); prev != nil {
			if rsa.VerifyPKCS1v15(&prev.PublicKey, crypto.SHA256, digest[:], signature) == nil {
				return nil
			}
		}
		return ErrInvalidSignature

	case algHS256:
		if record, err := s.keys.Active(keystore.RoleMessageAuth); err == nil {
			if hmacValid(record.Material, signingInput, signature) {
				return nil
			}
		}
		if prev := s.keys.Previous(keystore.RoleMessageAuth); prev != nil {
			if hmacValid(prev.Material, signingInput, signature) {
				return nil
			}
		}
		return ErrInvalidSignature

	default:
		return ErrUnsupportedAlgorithm
	}
}

// hmacValid recomputes and compares an HMAC signature in constant time.
func hmacValid(key, signingInput, signature []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(signingInput)
	return hmac.Equal(mac.Sum(nil), signature)
}

// IsSecurityEvent reports whether a verification error warrants a
// severity-tagged audit event rather than a plain rejection.
func IsSecurityEvent(err error) bool {
	return errors.Is(err, ErrFingerprintMismatch) || errors.Is(err, ErrInvalidSignature)
}
