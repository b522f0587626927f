// Package identity defines the read-only contract to the account record
// store this subsystem consumes.
package identity

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no record exists for an account.
var ErrNotFound = errors.New("account not found")

// Record is the subset of an account the security layer reads.
type Record struct {
	AccountID    string
	PasswordHash string
	Role         string

	// TwoFactorSecret is the encrypted TOTP secret, empty when the
	// account is not enrolled.
	TwoFactorSecret []byte

	// DeviceBindings lists the device IDs registered to the account.
	DeviceBindings []string
}

// BoundTo reports whether a device is registered to the account. An
// account with no bindings accepts any device.
func (r *Record) BoundTo(deviceID string) bool {
	if len(r.DeviceBindings) == 0 {
		return true
	}
	for _, bound := range r.DeviceBindings {
		if bound == deviceID {
			return true
		}
	}
	return false
}

// Store looks up account records. Implementations must be safe for
// concurrent use; lookups are synchronous and read-only.
type Store interface {
	Lookup(ctx context.Context, accountID string) (*Record, error)
}

// MemoryStore is an in-memory Store for tests and local mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put adds or replaces a record.
func (s *MemoryStore) Put(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.AccountID] = record
}

// Lookup implements Store. The returned record is a copy.
func (s *MemoryStore) Lookup(_ context.Context, accountID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	record.DeviceBindings = append([]string(nil), record.DeviceBindings...)
	record.TwoFactorSecret = append([]byte(nil), record.TwoFactorSecret...)
	return &record, nil
}
