package twofactor

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Alphabet without visually ambiguous characters (0/O, 1/I/L).
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	backupCodeGroupLen = 4
	backupCodeGroups   = 2
	defaultCodeCount   = 10
)

// backupCodeSet holds bcrypt hashes of unconsumed backup codes per account.
type backupCodeSet struct {
	mu     sync.Mutex
	hashes map[string][][]byte
}

func newBackupCodeSet() *backupCodeSet {
	return &backupCodeSet{hashes: make(map[string][][]byte)}
}

// GenerateBackupCodes creates count human-typable recovery codes for an
// account, replacing any previous set. Plaintext codes are returned once;
// only bcrypt hashes are kept.
func (m *Manager) GenerateBackupCodes(accountID string, count int) ([]string, error) {
	if count <= 0 {
		count = m.cfg.BackupCodeCount
	}
	if count <= 0 {
		count = defaultCodeCount
	}

	codes := make([]string, 0, count)
	hashes := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hash)
	}

	m.codes.replace(accountID, hashes)
	return codes, nil
}

// VerifyBackupCode checks a recovery code and consumes it on success. A
// consumed code never verifies again.
func (m *Manager) VerifyBackupCode(accountID, code string) error {
	normalized := normalizeBackupCode(code)
	if !m.codes.consume(accountID, normalized) {
		return ErrBackupCodeInvalid
	}
	return nil
}

// RemainingBackupCodes reports how many unconsumed codes an account holds.
func (m *Manager) RemainingBackupCodes(accountID string) int {
	return m.codes.count(accountID)
}

func (s *backupCodeSet) replace(accountID string, hashes [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[accountID] = hashes
}

// consume matches the code against the stored hashes and removes the match
// under the lock, so a code races to a single successful use.
func (s *backupCodeSet) consume(accountID, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := s.hashes[accountID]
	for i, hash := range hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil {
			s.hashes[accountID] = append(hashes[:i], hashes[i+1:]...)
			return true
		}
	}
	return false
}

func (s *backupCodeSet) count(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hashes[accountID])
}

func (s *backupCodeSet) remove(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, accountID)
}

// randomBackupCode returns a code like "K3MX-7WQP".
func randomBackupCode() (string, error) {
	groups := make([]string, 0, backupCodeGroups)
	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for g := 0; g < backupCodeGroups; g++ {
		var sb strings.Builder
		for i := 0; i < backupCodeGroupLen; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			sb.WriteByte(backupCodeAlphabet[n.Int64()])
		}
		groups = append(groups, sb.String())
	}
	return strings.Join(groups, "-"), nil
}

// normalizeBackupCode tolerates lowercase entry and stray whitespace.
func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
