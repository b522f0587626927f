package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Crypto errors.
var (
	// ErrDecryptionFailed is returned for any authentication-tag or
	// associated-data mismatch. Tampered plaintext is never returned.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrCiphertextTooShort is returned when the ciphertext cannot even
	// contain a nonce.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Seal encrypts plaintext under key with AES-256-GCM, prepending the random
// nonce to the returned ciphertext. Associated data is authenticated but not
// encrypted; pass nil when unused.
func Seal(key, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open decrypts ciphertext produced by Seal. It fails closed: any tag or
// associated-data mismatch yields ErrDecryptionFailed.
func Open(key, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// newAEAD builds an AES-GCM cipher from a 32-byte key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// RandomBytes returns n bytes of cryptographically secure randomness.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
