package keystore

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKS exports the active and overlap-window prior token-signing public keys
// as a JWK set, keyed by record ID. The route layer serves this to clients
// that verify tokens out of process.
func (m *Manager) JWKS() (jwk.Set, error) {
	set := jwk.NewSet()

	active, keyID, err := m.SigningKey()
	if err != nil {
		return nil, err
	}
	if err := addPublicKey(set, keyID, active.Public()); err != nil {
		return nil, err
	}

	if prev, prevID := m.PreviousSigningKey(); prev != nil {
		if err := addPublicKey(set, prevID, prev.Public()); err != nil {
			return nil, err
		}
	}

	return set, nil
}

// addPublicKey wraps a public key as a JWK and adds it to the set.
func addPublicKey(set jwk.Set, keyID string, pub interface{}) error {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return fmt.Errorf("failed to build JWK: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		return err
	}
	if err := key.Set(jwk.AlgorithmKey, AlgorithmRS256); err != nil {
		return err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return err
	}
	return set.AddKey(key)
}
