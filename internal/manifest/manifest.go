// Package manifest reads and writes the repository manifest: the versioned,
// write-once record of the on-disk format parameters a repository was
// created with (chunker rolling-hash shape, PBKDF2 parameters, format
// versions). It is the repository's constitution — present at init, read at
// open, never rewritten.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/crypto"
)

// FileName is the manifest's fixed location relative to the repository root.
const FileName = "manifest"

const (
	// ChunkerFormatVersion identifies the gear-table seed and boundary
	// algorithm in use. Bumping it means old repositories must be
	// re-chunked; current repositories never see it change under them.
	ChunkerFormatVersion = 1
	// CryptoFormatVersion identifies the sealed-record layout
	// (nonce ‖ ciphertext ‖ tag, with the compression flag byte inside the
	// ciphertext).
	CryptoFormatVersion = 1
)

// Manifest is the complete set of parameters fixed at repository init.
type Manifest struct {
	// ChunkerFormatVersion and CryptoFormatVersion pin the on-disk format
	// this repository was created under.
	ChunkerFormatVersion int `json:"chunker_format_version"`
	CryptoFormatVersion  int `json:"crypto_format_version"`

	// Rolling-hash window and chunk-size bounds.
	Window       int `json:"window"`
	MinChunkSize int `json:"min_chunk_size"`
	AvgChunkSize int `json:"avg_chunk_size"`
	MaxChunkSize int `json:"max_chunk_size"`

	// PBKDF2 parameters. Salt is stored in cleartext;
	// the passphrase it is combined with is never persisted anywhere.
	KDFSalt       []byte `json:"kdf_salt"`
	KDFIterations int    `json:"kdf_iterations"`

	// ParityEnabled gates the optional Reed-Solomon redundancy shards in
	// internal/blockstore/parity.go. Disabled by default: it is additive
	// local redundancy, not required for correctness.
	ParityEnabled    bool `json:"parity_enabled"`
	ParityDataShards int  `json:"parity_data_shards"`
	ParityParShards  int  `json:"parity_parity_shards"`
}

// DefaultParams returns the chunker defaults a fresh repository is created
// with: W=48, MIN=2KiB, AVG=8KiB, MAX=64KiB.
func DefaultParams() (window, min, avg, max int) {
	return 48, 2 * 1024, 8 * 1024, 64 * 1024
}

// New builds a fresh Manifest for repository init, generating a random
// PBKDF2 salt.
func New() (*Manifest, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	window, min, avg, max := DefaultParams()
	return &Manifest{
		ChunkerFormatVersion: ChunkerFormatVersion,
		CryptoFormatVersion:  CryptoFormatVersion,
		Window:               window,
		MinChunkSize:         min,
		AvgChunkSize:         avg,
		MaxChunkSize:         max,
		KDFSalt:              salt,
		KDFIterations:        crypto.MinIterations,
	}, nil
}

// Mask returns the rolling-hash boundary mask derived from AvgChunkSize
// (MASK = AVG-1). AvgChunkSize must be a power of two.
func (m *Manifest) Mask() uint64 {
	return uint64(m.AvgChunkSize - 1)
}

// Write persists the manifest at repoRoot/manifest. It refuses to overwrite
// an existing manifest: the manifest is write-once for the life of a
// repository.
func Write(repoRoot string, m *Manifest) error {
	path := filepath.Join(repoRoot, FileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: manifest already exists at %s", apperrors.ErrConfig, path)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}

	if err := os.MkdirAll(repoRoot, 0o755); err != nil {
		return fmt.Errorf("creating repository root: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("installing manifest: %w", err)
	}
	return nil
}

// Read loads the manifest from repoRoot/manifest, failing with ErrConfig if
// absent, malformed, or below the minimum PBKDF2 iteration floor.
func Read(repoRoot string) (*Manifest, error) {
	path := filepath.Join(repoRoot, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %v", apperrors.ErrConfig, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest: %v", apperrors.ErrConfig, err)
	}

	if m.KDFIterations < crypto.MinIterations {
		return nil, fmt.Errorf("%w: manifest KDF iterations %d below minimum %d", apperrors.ErrConfig, m.KDFIterations, crypto.MinIterations)
	}
	if m.AvgChunkSize <= 0 || (m.AvgChunkSize&(m.AvgChunkSize-1)) != 0 {
		return nil, fmt.Errorf("%w: avg_chunk_size %d is not a power of two", apperrors.ErrConfig, m.AvgChunkSize)
	}

	return &m, nil
}
