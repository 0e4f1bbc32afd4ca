// Package repo wires together the manifest, metadata catalog, block store
// and derived crypto key into one Repository value, constructed once at
// startup and passed by reference to every RPC handler — no ambient
// process-wide state.
package repo

import (
	"fmt"
	"path/filepath"

	"github.com/killianrms/sauvegarde/internal/blockstore"
	"github.com/killianrms/sauvegarde/internal/catalog"
	"github.com/killianrms/sauvegarde/internal/chunker"
	"github.com/killianrms/sauvegarde/internal/crypto"
	"github.com/killianrms/sauvegarde/internal/manifest"
)

// Repository is every piece of open, mutable repository state: opened once
// at process start and handed to callers by reference.
type Repository struct {
	Root     string
	Manifest *manifest.Manifest
	Catalog  *catalog.Catalog
	Blocks   *blockstore.Store
	Index    *blockstore.Index
	Parity   *blockstore.Parity // nil unless Manifest.ParityEnabled
	Chunker  *chunker.Chunker
	key      []byte // AES-256 key derived from the caller's passphrase; held only in memory
}

// Init creates a new repository at root: generates a manifest, an empty
// catalog, and the blocks/tmp directory layout. It does not open a crypto
// key, since a fresh repository has no blocks to decrypt yet.
func Init(root string) error {
	m, err := manifest.New()
	if err != nil {
		return err
	}
	if err := manifest.Write(root, m); err != nil {
		return err
	}

	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		return err
	}
	defer cat.Close()

	if _, err := blockstore.Open(root, nil); err != nil {
		return err
	}
	return nil
}

// Open opens an existing repository at root, reading its manifest,
// deriving the AES key from passphrase, and opening the catalog and block
// store. passphrase is never retained beyond key derivation.
func Open(root string, passphrase []byte) (*Repository, error) {
	m, err := manifest.Read(root)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		return nil, err
	}

	var index *blockstore.Index
	indexPath := filepath.Join(root, "block_index.db")
	index, err = blockstore.OpenIndex(indexPath)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("opening block existence index: %w", err)
	}

	blocks, err := blockstore.Open(root, index)
	if err != nil {
		cat.Close()
		index.Close()
		return nil, err
	}

	var parity *blockstore.Parity
	if m.ParityEnabled {
		parity, err = blockstore.OpenParity(root, m.ParityDataShards, m.ParityParShards)
		if err != nil {
			cat.Close()
			index.Close()
			return nil, err
		}
		blocks.SetParity(parity)
	}

	key := crypto.DeriveKey(passphrase, m.KDFSalt, m.KDFIterations)

	c := chunker.New(chunker.Params{
		Window: m.Window,
		Min:    m.MinChunkSize,
		Avg:    m.AvgChunkSize,
		Max:    m.MaxChunkSize,
	})

	return &Repository{
		Root:     root,
		Manifest: m,
		Catalog:  cat,
		Blocks:   blocks,
		Index:    index,
		Parity:   parity,
		Chunker:  c,
		key:      key,
	}, nil
}

// Key returns the repository's derived AES-256 key. It is never logged or
// surfaced to an RPC caller.
func (r *Repository) Key() []byte {
	return r.key
}

// Close releases the catalog and existence-index handles.
func (r *Repository) Close() error {
	indexErr := r.Index.Close()
	catErr := r.Catalog.Close()
	if catErr != nil {
		return catErr
	}
	return indexErr
}
