// Package versionmgr is the server-side entrypoint for the version-commit
// protocol: it is the single place the agent dispatcher's commit_version
// opcode handler calls, translating a client's delta-engine commit request
// into the catalog's transactional Commit call and the block store's
// existence check.
package versionmgr

import (
	"github.com/killianrms/sauvegarde/internal/blockstore"
	"github.com/killianrms/sauvegarde/internal/catalog"
	"github.com/killianrms/sauvegarde/internal/delta"
)

// Manager ties the catalog and block store together for version commits.
// It carries no transactional logic of its own — that lives in
// catalog.Catalog.Commit, which already implements the five-step commit
// protocol (upsert File, insert Version, insert Chunks/edges and bump
// refcounts, update File's denormalized state, single tx). Manager's job
// is purely the translation from the wire-level CommitRequest to the
// catalog's CommitInput, plus supplying the block-existence check as a
// narrow callback so catalog never imports blockstore directly.
type Manager struct {
	cat    *catalog.Catalog
	blocks *blockstore.Store
}

// New constructs a Manager over an already-open catalog and block store.
func New(cat *catalog.Catalog, blocks *blockstore.Store) *Manager {
	return &Manager{cat: cat, blocks: blocks}
}

// CommitVersion is the commit_version RPC handler's entrypoint. It takes
// the same delta.CommitRequest as delta.AgentClient.CommitVersion, without
// a context, and is called by the agent-side dispatcher; tests also drive
// it directly without a transport in the loop.
func (m *Manager) CommitVersion(req delta.CommitRequest) (int64, error) {
	in := catalog.CommitInput{
		Path:        req.Path,
		Action:      req.Action,
		PlainSize:   req.PlainSize,
		ContentHash: req.ContentHash,
		Chunks:      req.Chunks,
	}

	var storedTotal int64
	anyCompressed := false
	for _, c := range req.Chunks {
		storedTotal += c.StoredSize
		// A chunk's stored size strictly smaller than its plaintext size
		// means compress.Encode chose FlagGzip for it (see
		// internal/compress.Encode's 5% threshold): the per-chunk flag
		// byte itself is accounted for in StoredSize, so equality only
		// holds when the chunk was stored plain.
		if c.StoredSize > 0 && c.StoredSize-1 < c.PlainSize {
			anyCompressed = true
		}
	}
	in.StoredSize = storedTotal
	// Version.IsCompressed is a summary flag, not an authoritative record:
	// it reports whether any chunk in this version used gzip. The
	// authoritative per-chunk flag is the leading byte of each block's
	// decrypted payload, decoded by internal/compress.Decode at restore time.
	in.IsCompressed = anyCompressed

	return m.cat.Commit(in, m.blocks.Exists)
}
