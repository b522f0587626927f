package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parentshield/parentshield/internal/audit"
	"github.com/parentshield/parentshield/internal/config"
	"github.com/parentshield/parentshield/internal/observability"
)

// ErrNoActiveKey is returned when a role has no active key material.
var ErrNoActiveKey = errors.New("no active key for role")

// Manager owns the key material for all roles. It loads or generates
// material on demand, rotates keys past their maximum age, and keeps the
// immediately-prior key available for a verification overlap window.
type Manager struct {
	cfg     config.KeysConfig
	store   *fileStore
	logger  observability.Logger
	sink    audit.Sink
	metrics *Metrics

	mu    sync.RWMutex
	state map[Role]*roleState

	stopCh  chan struct{}
	stopped sync.Once
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

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a key manager persisting material under cfg.Dir.
func NewManager(cfg config.KeysConfig, opts ...ManagerOption) (*Manager, error) {
	store, err := newFileStore(cfg.Dir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		store:  store,
		logger: observability.NopLogger(),
		sink:   audit.NopSink{},
		state:  make(map[Role]*roleState),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics("parentshield")
	}
	return m, nil
}

// LoadOrCreate returns the active material for a role, loading the persisted
// record or generating length bytes of fresh randomness. Load failures fall
// back to fresh generation rather than blocking startup.
func (m *Manager) LoadOrCreate(role Role, length int) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadOrCreateLocked(role, length)
}

func (m *Manager) loadOrCreateLocked(role Role, length int) (*Record, error) {
	if state, ok := m.state[role]; ok {
		return state.Active, nil
	}

	state, err := m.store.load(role)
	if err == nil {
		m.state[role] = state
		return state.Active, nil
	}
	if !isNotExist(err) {
		m.logger.Warn("key load failed, generating fresh material",
			observability.String("role", string(role)),
			observability.Error(err),
		)
	}

	record, err := m.generate(role, length)
	if err != nil {
		return nil, err
	}

	state = &roleState{Active: record}
	if err := m.store.save(role, state); err != nil {
		return nil, err
	}
	m.state[role] = state

	m.logger.Info("generated key material",
		observability.String("role", string(role)),
		observability.String("key_id", record.ID),
		observability.Int("bit_length", record.BitLength),
	)
	return record, nil
}

// generate creates fresh material for a role.
func (m *Manager) generate(role Role, length int) (*Record, error) {
	if role == RoleTokenSigning {
		key, err := rsa.GenerateKey(rand.Reader, DefaultRSABits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode signing key: %w", err)
		}
		return newRecord(role, AlgorithmRS256, der, DefaultRSABits), nil
	}

	if length <= 0 {
		length = DefaultSymmetricLength
	}
	material, err := RandomBytes(length)
	if err != nil {
		return nil, err
	}
	return newRecord(role, algorithmFor(role), material, length*8), nil
}

// Active returns the active record for a role.
func (m *Manager) Active(role Role) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state[role]
	if !ok || state.Active == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveKey, role)
	}
	return state.Active, nil
}

// Previous returns the immediately-prior record for a role if it is still
// inside the rotation overlap window, or nil.
func (m *Manager) Previous(role Role) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state[role]
	if !ok || state.Previous == nil || state.Previous.RotatedAt == nil {
		return nil
	}
	overlap := m.cfg.OverlapWindow.Duration()
	if overlap <= 0 {
		overlap = time.Hour
	}
	if time.Since(*state.Previous.RotatedAt) > overlap {
		return nil
	}
	return state.Previous
}

// Rotate generates fresh material for a role, archives the outgoing record
// with a rotation timestamp, and promotes the new record only after the
// durable write succeeds. Tokens signed moments before a rotation therefore
// stay verifiable.
func (m *Manager) Rotate(role Role) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.state[role]
	if !ok || current.Active == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveKey, role)
	}

	length := DefaultSymmetricLength
	if current.Active.BitLength > 0 && role != RoleTokenSigning {
		length = current.Active.BitLength / 8
	}
	fresh, err := m.generate(role, length)
	if err != nil {
		m.metrics.RecordRotation(string(role), "error")
		return nil, err
	}

	now := time.Now().UTC()
	outgoing := *current.Active
	outgoing.RotatedAt = &now

	next := &roleState{Active: fresh, Previous: &outgoing}
	if err := m.store.save(role, next); err != nil {
		m.metrics.RecordRotation(string(role), "error")
		return nil, err
	}
	m.state[role] = next
	m.metrics.RecordRotation(string(role), "success")

	m.logger.Info("rotated key material",
		observability.String("role", string(role)),
		observability.String("key_id", fresh.ID),
		observability.String("retired_key_id", outgoing.ID),
	)
	m.sink.Record(audit.NewEvent(audit.KindKeyRotation, audit.SeverityInfo).
		WithDetail(fmt.Sprintf("rotated %s key", role)).
		WithMetadata("key_id", fresh.ID))

	return fresh, nil
}

// Run drives the rotation loop until the context is canceled or Stop is
// called. Each tick rotates every role whose active record is older than
// MaxKeyAge. Rotation failures are logged and retried on the next tick with
// the stale key remaining usable.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.RotationCheckInterval.Duration()
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.rotateExpired()
		}
	}
}

// Stop terminates the rotation loop.
func (m *Manager) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
	})
}

// rotateExpired rotates every role whose active key exceeds the maximum age.
func (m *Manager) rotateExpired() {
	maxAge := m.cfg.MaxKeyAge.Duration()
	if maxAge <= 0 {
		maxAge = 90 * 24 * time.Hour
	}

	m.mu.RLock()
	var due []Role
	for role, state := range m.state {
		if state.Active != nil && state.Active.Age() > maxAge {
			due = append(due, role)
		}
	}
	m.mu.RUnlock()

	for _, role := range due {
		if _, err := m.Rotate(role); err != nil {
			m.logger.Error("key rotation failed, will retry",
				observability.String("role", string(role)),
				observability.Error(err),
			)
		}
	}
}

// Encrypt seals plaintext under the active encryption key. The associated
// data is authenticated but not stored.
func (m *Manager) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	record, err := m.Active(RoleEncryption)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordCryptoOp("encrypt")
	return Seal(record.Material, plaintext, associatedData)
}

// Decrypt opens ciphertext under the active encryption key, falling back to
// the overlap-window prior key. It never returns tampered plaintext.
func (m *Manager) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	record, err := m.Active(RoleEncryption)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordCryptoOp("decrypt")

	plaintext, err := Open(record.Material, ciphertext, associatedData)
	if err == nil {
		return plaintext, nil
	}

	if prev := m.Previous(RoleEncryption); prev != nil {
		if plaintext, prevErr := Open(prev.Material, ciphertext, associatedData); prevErr == nil {
			return plaintext, nil
		}
	}
	return nil, err
}

// SigningKey returns the parsed RSA private key for the active token-signing
// record.
func (m *Manager) SigningKey() (*rsa.PrivateKey, string, error) {
	record, err := m.Active(RoleTokenSigning)
	if err != nil {
		return nil, "", err
	}
	key, err := parseSigningKey(record)
	if err != nil {
		return nil, "", err
	}
	return key, record.ID, nil
}

// PreviousSigningKey returns the overlap-window prior signing key, or nil.
func (m *Manager) PreviousSigningKey() (*rsa.PrivateKey, string) {
	record := m.Previous(RoleTokenSigning)
	if record == nil {
		return nil, ""
	}
	key, err := parseSigningKey(record)
	if err != nil {
		return nil, ""
	}
	return key, record.ID
}

// parseSigningKey decodes the PKCS#8 material of a token-signing record.
func parseSigningKey(record *Record) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(record.Material)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return key, nil
}
