package twofactor

import (
	"sync"
	"time"
)

// Roles whose sessions must carry a fresh second-factor confirmation,
// independent of primary authentication.
var privilegedRoles = map[string]bool{
	"admin":  true,
	"parent": true,
}

// RequiresConfirmation reports whether a role is gated behind a fresh
// in-session second-factor confirmation.
func RequiresConfirmation(role string) bool {
	return privilegedRoles[role]
}

// confirmation records a successful in-session second-factor check.
type confirmation struct {
	subject     string
	confirmedAt time.Time
}

// confirmationSet tracks per-session confirmations with a freshness TTL.
type confirmationSet struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]confirmation
}

func newConfirmationSet(ttl time.Duration) *confirmationSet {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &confirmationSet{
		ttl:      ttl,
		sessions: make(map[string]confirmation),
	}
}

// ConfirmSession records that the session passed a second-factor check just
// now. Call after a successful Verify or VerifyBackupCode.
func (m *Manager) ConfirmSession(sessionID, accountID string) {
	m.confirmations.confirm(sessionID, accountID, time.Now())
}

// SessionConfirmed reports whether the session holds a confirmation that is
// still within the freshness TTL.
func (m *Manager) SessionConfirmed(sessionID string) bool {
	return m.confirmations.fresh(sessionID, time.Now())
}

// Gate reports whether the session may proceed as the given role. Roles
// outside the privileged set pass without a confirmation.
func (m *Manager) Gate(sessionID, role string) bool {
	if !RequiresConfirmation(role) {
		return true
	}
	return m.SessionConfirmed(sessionID)
}

func (c *confirmationSet) confirm(sessionID, subject string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = confirmation{subject: subject, confirmedAt: now}
}

func (c *confirmationSet) fresh(sessionID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	if now.Sub(entry.confirmedAt) > c.ttl {
		delete(c.sessions, sessionID)
		return false
	}
	return true
}

func (c *confirmationSet) removeSubject(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.sessions {
		if entry.subject == subject {
			delete(c.sessions, id)
		}
	}
}
