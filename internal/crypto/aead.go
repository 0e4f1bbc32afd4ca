// Package crypto provides the authenticated-encryption layer that wraps
// every block the repository stores, plus the key-derivation and
// agent-identity primitives that sit around it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/killianrms/sauvegarde/internal/apperrors"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// Seal encrypts and authenticates plaintext using AES-256-GCM, returning
// nonce‖ciphertext‖tag. A fresh 12-byte nonce is drawn from crypto/rand on
// every call; callers must never supply their own nonce for storage, since
// block-store records never reuse a nonce under the same key.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", apperrors.ErrMalformedRecord, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

// Open verifies and decrypts a nonce‖ciphertext‖tag record produced by
// Seal. It returns ErrMalformedRecord if the record is too short to contain
// a nonce and tag, and ErrAuthFailure if the tag does not verify — the
// plaintext is never returned in that case.
func Open(key, record []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", apperrors.ErrMalformedRecord, KeySize, len(key))
	}
	if len(record) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: record too short (%d bytes)", apperrors.ErrMalformedRecord, len(record))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	nonce, ciphertext := record[:NonceSize], record[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAuthFailure, err)
	}

	return plaintext, nil
}
