package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the PBKDF2 salt length in bytes, generated once at
	// repository init and stored in cleartext in the manifest.
	SaltSize = 16
	// MinIterations is the floor below which a manifest is rejected as
	// insecure at repository open.
	MinIterations = 100_000
)

// NewSalt generates a fresh random PBKDF2 salt for repository init.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives the repository's AES-256 key from a caller-supplied
// passphrase and the manifest's persisted salt, via PBKDF2-HMAC-SHA-256.
// It is computed once per process and held only in memory.
func DeriveKey(passphrase, salt []byte, iterations int) []byte {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
}
