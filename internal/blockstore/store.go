// Package blockstore is the content-addressed store of encrypted,
// optionally compressed blocks on the server filesystem. Blocks are keyed
// by the plaintext chunk hash and are immutable once written: a given hash
// names exactly one record for the life of the repository.
package blockstore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/killianrms/sauvegarde/internal/apperrors"
)

// Store is the on-disk block store rooted at <repo_root>/blocks, with
// <repo_root>/tmp used for staging files before they are linked into place.
type Store struct {
	blocksRoot string
	tmpRoot    string
	index      *Index  // optional existence-cache; nil disables it
	parity     *Parity // optional erasure-coded redundancy; nil disables it
}

// SetParity attaches a Parity layer so every future PutIfAbsent also writes
// redundancy shards for the new block. Called once by repo.Open after
// opening the store, when the manifest enables parity.
func (s *Store) SetParity(p *Parity) {
	s.parity = p
}

// Open roots a Store at repoRoot, creating blocks/ and tmp/ if absent. index
// may be nil to run without the BoltDB existence cache.
func Open(repoRoot string, index *Index) (*Store, error) {
	blocksRoot := filepath.Join(repoRoot, "blocks")
	tmpRoot := filepath.Join(repoRoot, "tmp")
	for _, dir := range []string{blocksRoot, tmpRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating block store directory %s: %w", dir, err)
		}
	}
	return &Store{blocksRoot: blocksRoot, tmpRoot: tmpRoot, index: index}, nil
}

// pathFor returns blocks/<aa>/<bb>/<hex> for a chunk hash.
func (s *Store) pathFor(hash [32]byte) string {
	hexHash := hex.EncodeToString(hash[:])
	return filepath.Join(s.blocksRoot, hexHash[:2], hexHash[2:4], hexHash)
}

// PutIfAbsent writes record to the block named by hash, atomically, and
// reports whether a write actually occurred. Concurrent calls for the same
// hash are safe: at most one write wins and the rest become no-ops. The
// winner is decided by link(2), which fails with EEXIST if the destination
// landed first — rename(2) would silently replace it and let every racer
// claim the write.
func (s *Store) PutIfAbsent(hash [32]byte, record []byte) (wrote bool, err error) {
	dest := s.pathFor(hash)
	if _, err := os.Stat(dest); err == nil {
		if s.index != nil {
			_ = s.index.MarkPresent(hash)
		}
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("creating block directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.tmpRoot, "block-*.tmp")
	if err != nil {
		return false, fmt.Errorf("creating staging file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(record); err != nil {
		tmpFile.Close()
		return false, fmt.Errorf("writing staging file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return false, fmt.Errorf("fsyncing staging file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return false, fmt.Errorf("closing staging file: %w", err)
	}

	if err := os.Link(tmpPath, dest); err != nil {
		if os.IsExist(err) {
			if s.index != nil {
				_ = s.index.MarkPresent(hash)
			}
			return false, nil
		}
		return false, fmt.Errorf("installing block: %w", err)
	}
	if err := fsyncDir(filepath.Dir(dest)); err != nil {
		return false, fmt.Errorf("fsyncing block directory: %w", err)
	}

	if s.index != nil {
		_ = s.index.MarkPresent(hash)
	}
	if s.parity != nil {
		// Best-effort: a parity write failure never blocks the primary
		// put_if_absent from succeeding, per internal/blockstore.Parity's
		// own doc comment — the primary block is already durable.
		_ = s.parity.Write(hash, record)
	}
	return true, nil
}

// Get returns the sealed record for hash, failing ErrNotFound if absent.
func (s *Store) Get(hash [32]byte) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: block %x", apperrors.ErrNotFound, hash)
		}
		return nil, fmt.Errorf("reading block: %w", err)
	}
	return data, nil
}

// Exists reports whether a block is present, consulting the existence index
// first (if configured) and falling back to a filesystem stat, repairing the
// index on a positive miss.
func (s *Store) Exists(hash [32]byte) bool {
	if s.index != nil {
		if present, ok := s.index.Lookup(hash); ok {
			return present
		}
	}
	_, err := os.Stat(s.pathFor(hash))
	exists := err == nil
	if exists && s.index != nil {
		_ = s.index.MarkPresent(hash)
	}
	return exists
}

// Size returns the on-disk byte size of the block named by hash, failing
// ErrNotFound if absent. Used by the GC audit to detect truncated blocks
// (a stored record shorter than the catalog's recorded stored_size).
func (s *Store) Size(hash [32]byte) (int64, error) {
	info, err := os.Stat(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: block %x", apperrors.ErrNotFound, hash)
		}
		return 0, fmt.Errorf("statting block: %w", err)
	}
	return info.Size(), nil
}

// Unlink removes the block named by hash, failing ErrNotFound if absent.
// Called only from the GC block sweep while the catalog write lock is held.
func (s *Store) Unlink(hash [32]byte) error {
	err := os.Remove(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: block %x", apperrors.ErrNotFound, hash)
		}
		return fmt.Errorf("unlinking block: %w", err)
	}
	if s.index != nil {
		_ = s.index.MarkAbsent(hash)
	}
	return nil
}

// Iter enumerates every stored block hash, for the GC audit only. It walks
// the filesystem directly rather than the existence index, which is an
// accelerator cache, not authoritative.
func (s *Store) Iter(fn func(hash [32]byte) error) error {
	return filepath.WalkDir(s.blocksRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		raw, decErr := hex.DecodeString(name)
		if decErr != nil || len(raw) != 32 {
			return nil // not a block file (e.g. a leftover tmp artifact)
		}
		var hash [32]byte
		copy(hash[:], raw)
		return fn(hash)
	})
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
