// Package twofactor implements TOTP enrollment and verification with
// backup-code recovery. TOTP secrets are stored only in encrypted form
// under a per-account derived key.
package twofactor

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"image/png"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/hkdf"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/keystore"
	"github.com/parentshield/parentshield/internal/observability"
)

// Package errors.
var (
	ErrCodeInvalid       = errors.New("invalid two-factor code")
	ErrSecretUnreadable  = errors.New("failed to decrypt two-factor secret")
	ErrBackupCodeInvalid = errors.New("invalid backup code")
	ErrNotEnrolled       = errors.New("account has no two-factor enrollment")
)

const (
	totpPeriod = 30
	// Codes one step either side of now are accepted for clock drift.
	totpSkew = 1

	derivedKeyLength = 32
	qrImageSize      = 200
)

// Enrollment is the result of a secret generation. Only the encrypted
// secret leaves this package for persistence; the provisioning URI and QR
// image are shown once to the enrolling user.
type Enrollment struct {
	EncryptedSecret []byte
	ProvisioningURI string
	QRCodePNG       []byte
	CreatedAt       time.Time
}

// Manager owns TOTP secrets at rest, backup codes, and in-session
// confirmations.
type Manager struct {
	cfg    config.TwoFactorConfig
	master []byte
	logger observability.Logger
	sink   audit.Sink

	codes         *backupCodeSet
	confirmations *confirmationSet
}

// ManagerOption is a functional option for the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAuditSink sets the audit sink.
func WithAuditSink(sink audit.Sink) ManagerOption {
	return func(m *Manager) {
		m.sink = sink
	}
}

// NewManager creates a two-factor manager. The master secret seeds
// per-account encryption keys; it never encrypts anything directly.
func NewManager(cfg config.TwoFactorConfig, master []byte, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:           cfg,
		master:        append([]byte(nil), master...),
		logger:        observability.NopLogger(),
		sink:          audit.NopSink{},
		codes:         newBackupCodeSet(),
		confirmations: newConfirmationSet(cfg.ConfirmationTTL.Duration()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateSecret enrolls an account: it creates a fresh TOTP secret, renders
// the provisioning URI and QR image, and returns the secret encrypted under
// the account-derived key. Plaintext is never persisted.
func (m *Manager) GenerateSecret(accountID string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.cfg.IssuerName,
		AccountName: accountID,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := m.encryptSecret(accountID, []byte(key.Secret()))
	if err != nil {
		return nil, err
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return nil, err
	}
	var qr bytes.Buffer
	if err := png.Encode(&qr, img); err != nil {
		return nil, err
	}

	m.logger.Info("two-factor secret generated",
		observability.String("account", accountID),
	)
	return &Enrollment{
		EncryptedSecret: encrypted,
		ProvisioningURI: key.URL(),
		QRCodePNG:       qr.Bytes(),
		CreatedAt:       time.Now(),
	}, nil
}

// Verify decrypts the stored secret and checks the code within the drift
// window. Failures are recorded as audit events.
func (m *Manager) Verify(code string, encryptedSecret []byte, accountID string) error {
	secret, err := m.decryptSecret(accountID, encryptedSecret)
	if err != nil {
		return err
	}

	ok, err := totp.ValidateCustom(code, string(secret), time.Now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return err
	}
	if !ok {
		m.sink.Record(audit.NewEvent(audit.KindTwoFactorFailure, audit.SeverityWarning).
			WithSubject(accountID).
			WithDetail("totp code rejected"))
		return ErrCodeInvalid
	}

	m.sink.Record(audit.NewEvent(audit.KindTwoFactorSuccess, audit.SeverityInfo).
		WithSubject(accountID))
	return nil
}

// Disable discards the account's backup codes and session confirmations.
// The caller is responsible for deleting the persisted encrypted secret.
func (m *Manager) Disable(accountID string) {
	m.codes.remove(accountID)
	m.confirmations.removeSubject(accountID)
	m.logger.Info("two-factor disabled",
		observability.String("account", accountID),
	)
}

// encryptSecret seals plaintext under the account-derived key. The account
// ID doubles as associated data so ciphertexts cannot migrate between
// accounts.
func (m *Manager) encryptSecret(accountID string, plaintext []byte) ([]byte, error) {
	key, err := m.deriveKey(accountID)
	if err != nil {
		return nil, err
	}
	return keystore.Seal(key, plaintext, []byte(accountID))
}

func (m *Manager) decryptSecret(accountID string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrNotEnrolled
	}
	key, err := m.deriveKey(accountID)
	if err != nil {
		return nil, err
	}
	plaintext, err := keystore.Open(key, ciphertext, []byte(accountID))
	if err != nil {
		return nil, ErrSecretUnreadable
	}
	return plaintext, nil
}

// deriveKey expands the master secret into a per-account encryption key.
func (m *Manager) deriveKey(accountID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, m.master, nil, []byte("twofactor:"+accountID))
	key := make([]byte, derivedKeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
