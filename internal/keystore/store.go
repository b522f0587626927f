package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// roleState is the persisted state for one role: the active record plus the
// immediately-prior record kept for the verification overlap window.
type roleState struct {
	Active   *Record `json:"active"`
	Previous *Record `json:"previous,omitempty"`
}

// fileStore persists role state as one JSON file per role with restrictive
// permissions.
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory %s: %w", dir, err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) path(role Role) string {
	return filepath.Join(s.dir, string(role)+".json")
}

// load reads the persisted state for a role. A missing file returns
// os.ErrNotExist.
func (s *fileStore) load(role Role) (*roleState, error) {
	data, err := os.ReadFile(s.path(role)) //nolint:gosec // path built from fixed role names
	if err != nil {
		return nil, err
	}

	var state roleState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse key file for role %s: %w", role, err)
	}
	if state.Active == nil {
		return nil, fmt.Errorf("key file for role %s has no active record", role)
	}
	return &state, nil
}

// save durably writes the state for a role. The write goes to a temporary
// file first and is promoted by rename, so a crash never leaves a torn file.
func (s *fileStore) save(role Role, state *roleState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key state for role %s: %w", role, err)
	}

	tmp, err := os.CreateTemp(s.dir, string(role)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict key file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(role)); err != nil {
		return fmt.Errorf("failed to promote key file: %w", err)
	}
	return nil
}

// isNotExist reports whether the error means the role has never been
// persisted.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
