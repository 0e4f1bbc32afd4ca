// Package retention implements the two-phase garbage collector (version
// expiry, then zero-refcount block sweep) and the audit/repair pass,
// orchestrating internal/catalog's retention queries against the
// internal/blockstore block files.
package retention

import (
	"errors"
	"fmt"
	"time"

	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/blockstore"
	"github.com/killianrms/sauvegarde/internal/catalog"
)

// Result summarizes one GC run, matching the `gc` RPC's response shape.
type Result struct {
	ExpiredVersions int
	FreedBlocks     int
	FreedBytes      int64
}

// GC struct bundles the catalog and block store a retention run needs.
type GC struct {
	cat    *catalog.Catalog
	blocks *blockstore.Store
}

// New constructs a GC orchestrator.
func New(cat *catalog.Catalog, blocks *blockstore.Store) *GC {
	return &GC{cat: cat, blocks: blocks}
}

// Run expires every eligible version, then sweeps zero-refcount chunks and
// their block files. In dry-run mode it computes the projected result
// without mutating the catalog or block store.
func (g *GC) Run(retention time.Duration, dryRun bool) (Result, error) {
	var result Result

	candidates, err := g.cat.ExpireCandidates(retention)
	if err != nil {
		return result, fmt.Errorf("selecting expiry candidates: %w", err)
	}
	result.ExpiredVersions = len(candidates)

	if !dryRun {
		for _, c := range candidates {
			if err := g.cat.ExpireOne(c.VersionID); err != nil {
				return result, fmt.Errorf("expiring version %d (%s): %w", c.VersionID, c.Path, err)
			}
		}
	}

	zeroRef, err := g.cat.ZeroRefcountChunks()
	if err != nil {
		return result, fmt.Errorf("selecting zero-refcount chunks: %w", err)
	}

	if dryRun {
		for _, ch := range zeroRef {
			result.FreedBlocks++
			result.FreedBytes += ch.StoredSize
		}
		return result, nil
	}

	for _, ch := range zeroRef {
		if err := g.cat.DeleteChunkRow(ch.ChunkHash); err != nil {
			return result, fmt.Errorf("deleting chunk row %x: %w", ch.ChunkHash, err)
		}
		if err := g.blocks.Unlink(ch.ChunkHash); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return result, fmt.Errorf("unlinking block %x: %w", ch.ChunkHash, err)
		}
		result.FreedBlocks++
		result.FreedBytes += ch.StoredSize
	}
	return result, nil
}

// AuditReport is the `audit` subcommand's findings.
type AuditReport struct {
	OrphanBlocks        [][32]byte // blocks with no backing Chunk row
	IntegrityViolations [][32]byte // Chunk rows with no or truncated backing block
}

// Audit cross-checks every stored block against the catalog's Chunk rows
// and vice versa: a Chunk row with no backing block, or a backing block
// whose on-disk size disagrees with the recorded stored_size (truncation),
// is an integrity violation. The commit protocol never produces either
// state on its own; a non-empty IntegrityViolations signals on-disk
// corruption or interference from outside the engine.
func Audit(cat *catalog.Catalog, blocks *blockstore.Store) (AuditReport, error) {
	var report AuditReport

	chunkHashes, err := cat.ChunkHashes()
	if err != nil {
		return report, fmt.Errorf("listing chunk rows: %w", err)
	}
	known := make(map[[32]byte]bool, len(chunkHashes))
	for _, h := range chunkHashes {
		known[h] = true
	}
	storedSizes, err := cat.ChunkSizes(chunkHashes)
	if err != nil {
		return report, fmt.Errorf("reading chunk stored sizes: %w", err)
	}

	seen := make(map[[32]byte]bool, len(chunkHashes))
	err = blocks.Iter(func(hash [32]byte) error {
		seen[hash] = true
		if !known[hash] {
			report.OrphanBlocks = append(report.OrphanBlocks, hash)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("iterating block store: %w", err)
	}

	for _, h := range chunkHashes {
		if !seen[h] {
			report.IntegrityViolations = append(report.IntegrityViolations, h)
			continue
		}
		if want, ok := storedSizes[h]; ok {
			if got, serr := blocks.Size(h); serr == nil && got != want {
				report.IntegrityViolations = append(report.IntegrityViolations, h)
			}
		}
	}
	return report, nil
}

// Repair attempts to reconstruct each integrity-violation hash from its
// parity shards plus whatever bytes of the primary block file survive, if
// the repository has parity enabled. Recovered records are reinstalled
// through the store's normal atomic put. Hashes that cannot be
// reconstructed — a fully-missing block loses more data shards than the
// parity count covers — are returned for the caller to report.
func Repair(blocks *blockstore.Store, parity *blockstore.Parity, violations [][32]byte) (repaired [][32]byte, remaining [][32]byte, err error) {
	if parity == nil {
		return nil, violations, nil
	}
	for _, hash := range violations {
		primary, _ := blocks.Get(hash) // nil if the primary file is gone
		record, rerr := parity.Salvage(hash, primary)
		if rerr != nil {
			remaining = append(remaining, hash)
			continue
		}
		if len(primary) > 0 {
			// A truncated primary still occupies the destination path;
			// drop it so the reinstalling put actually lands.
			if uerr := blocks.Unlink(hash); uerr != nil && !errors.Is(uerr, apperrors.ErrNotFound) {
				return repaired, remaining, fmt.Errorf("removing truncated block %x: %w", hash, uerr)
			}
		}
		if _, perr := blocks.PutIfAbsent(hash, record); perr != nil {
			return repaired, remaining, fmt.Errorf("reinstalling repaired block %x: %w", hash, perr)
		}
		repaired = append(repaired, hash)
	}
	return repaired, remaining, nil
}
