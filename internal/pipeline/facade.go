package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/credential"
	"github.com/parentshield/parentshield/internal/identity"
	"github.com/parentshield/parentshield/internal/token"
)

// Façade errors.
var (
	ErrDeviceNotBound = errors.New("device not registered to account")
	ErrBadCredentials = errors.New("invalid account or password")
)

// IssueTokenPair mints a device-bound access/refresh pair for an account.
// The device must be among the account's registered bindings.
func (p *Pipeline) IssueTokenPair(ctx context.Context, accountID, deviceID string) (*token.Pair, error) {
	record, err := p.accounts.Lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !record.BoundTo(deviceID) {
		return nil, ErrDeviceNotBound
	}
	return p.tokens.IssuePair(&token.Claims{
		Subject:  record.AccountID,
		Role:     record.Role,
		DeviceID: deviceID,
	})
}

// Refresh exchanges a refresh token for a fresh pair.
func (p *Pipeline) Refresh(refreshToken, deviceID string) (*token.Pair, error) {
	pair, err := p.tokens.Refresh(refreshToken, deviceID)
	if err != nil {
		return nil, err
	}
	p.sink.Record(audit.NewEvent(audit.KindTokenRefresh, audit.SeverityInfo))
	return pair, nil
}

// HashPassword produces an encoded slow hash for storage.
func (p *Pipeline) HashPassword(password string) (string, error) {
	return p.hasher.Hash(password)
}

// VerifyPassword checks a password against its encoded hash.
func (p *Pipeline) VerifyPassword(password, encoded string) error {
	return p.hasher.Verify(password, encoded)
}

// AuthenticateAccount runs the full credential check for a login attempt.
// Failures are audited and fed to the inspector so repeated attempts from
// one address escalate to a ban. The caller address is required for that
// escalation.
func (p *Pipeline) AuthenticateAccount(ctx context.Context, accountID, password, addr string) (*identity.Record, error) {
	record, err := p.accounts.Lookup(ctx, accountID)
	if err != nil {
		p.noteAuthFailure(accountID, addr, "unknown account")
		return nil, ErrBadCredentials
	}

	if err := p.hasher.Verify(password, record.PasswordHash); err != nil {
		if errors.Is(err, credential.ErrMismatch) {
			p.noteAuthFailure(accountID, addr, "password mismatch")
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	p.sink.Record(audit.NewEvent(audit.KindAuthSuccess, audit.SeverityInfo).
		WithSubject(accountID).
		WithAddress(addr))
	return record, nil
}

func (p *Pipeline) noteAuthFailure(accountID, addr, detail string) {
	p.sink.Record(audit.NewEvent(audit.KindAuthFailure, audit.SeverityWarning).
		WithSubject(accountID).
		WithAddress(addr).
		WithDetail(detail))
	p.inspector.RecordSuspicious(addr, "auth failure")
}

// EncryptValue seals a value under the active encryption key.
func (p *Pipeline) EncryptValue(plaintext []byte) ([]byte, error) {
	return p.keys.Encrypt(plaintext, nil)
}

// DecryptValue opens a value sealed by EncryptValue, accepting the active
// or overlap-window prior key.
func (p *Pipeline) DecryptValue(ciphertext []byte) ([]byte, error) {
	return p.keys.Decrypt(ciphertext, nil)
}

// IssueCSRFCookie mints the per-session anti-forgery token, sets its
// cookie on the response, and returns the value for header echo.
func (p *Pipeline) IssueCSRFCookie(c *gin.Context, sessionID string) (string, error) {
	value, err := p.guard.Issue(sessionID, c.Request.UserAgent())
	if err != nil {
		return "", err
	}
	http.SetCookie(c.Writer, p.guard.Cookie(value, p.cfg.IsProduction()))
	return value, nil
}
