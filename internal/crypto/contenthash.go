package crypto

import (
	"crypto/sha256"
	"hash"
)

// ContentHasher accumulates a whole file's plaintext bytes to produce a
// version's content hash (SHA-256 of the whole plaintext file),
// independent of how the chunker split it.
type ContentHasher struct {
	h hash.Hash
}

// NewContentHasher returns a ready-to-use ContentHasher.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{h: sha256.New()}
}

// Write feeds plaintext bytes into the running hash.
func (c *ContentHasher) Write(p []byte) {
	c.h.Write(p)
}

// Sum returns the final SHA-256 digest.
func (c *ContentHasher) Sum() []byte {
	return c.h.Sum(nil)
}
