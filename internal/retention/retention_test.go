package retention

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/killianrms/sauvegarde/internal/blockstore"
	"github.com/killianrms/sauvegarde/internal/catalog"
)

func newTestGC(t *testing.T) (*GC, *catalog.Catalog, *blockstore.Store) {
	t.Helper()
	dir := t.TempDir()

	index, err := blockstore.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex failed: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	store, err := blockstore.Open(dir, index)
	if err != nil {
		t.Fatalf("blockstore.Open failed: %v", err)
	}

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open failed: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	return New(cat, store), cat, store
}

func commitOneChunk(t *testing.T, cat *catalog.Catalog, store *blockstore.Store, path string, content string) int64 {
	t.Helper()
	hash := sha256.Sum256([]byte(content))
	record := append([]byte{0x00}, []byte(content)...)
	if _, err := store.PutIfAbsent(hash, record); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	contentHash := sha256.Sum256([]byte(content + path))
	versionID, err := cat.Commit(catalog.CommitInput{
		Path:        path,
		Action:      catalog.ActionCreated,
		PlainSize:   int64(len(content)),
		StoredSize:  int64(len(record)),
		ContentHash: contentHash[:],
		Chunks: []catalog.VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: int64(len(content)), PlainSize: int64(len(content)), StoredSize: int64(len(record))},
		},
	}, store.Exists)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return versionID
}

func TestRun_DryRunDoesNotMutate(t *testing.T) {
	gc, cat, store := newTestGC(t)
	commitOneChunk(t, cat, store, "a.txt", "first content")

	result, err := gc.Run(0, true)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// The only version for a.txt is its latest, so it is never expired
	// even with a zero retention horizon.
	if result.ExpiredVersions != 0 {
		t.Errorf("expected 0 expired versions for a single-version path, got %d", result.ExpiredVersions)
	}

	versions, err := cat.ListVersions("a.txt")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("dry run must not mutate, expected 1 version, got %d", len(versions))
	}
}

func TestRun_ExpiresOldVersionsAndFreesBlocks(t *testing.T) {
	gc, cat, store := newTestGC(t)
	commitOneChunk(t, cat, store, "b.txt", "version one content")
	time.Sleep(2 * time.Millisecond)
	commitOneChunk(t, cat, store, "b.txt", "version two content")

	result, err := gc.Run(0, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExpiredVersions != 1 {
		t.Errorf("expected 1 expired version (all but latest), got %d", result.ExpiredVersions)
	}
	if result.FreedBlocks != 1 {
		t.Errorf("expected 1 freed block for the superseded version's unique chunk, got %d", result.FreedBlocks)
	}

	versions, err := cat.ListVersions("b.txt")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("expected only the latest version to survive, got %d", len(versions))
	}
}

func TestAudit_DetectsOrphanBlock(t *testing.T) {
	gc, cat, store := newTestGC(t)
	_ = gc

	orphanHash := sha256.Sum256([]byte("nobody references me"))
	if _, err := store.PutIfAbsent(orphanHash, append([]byte{0x00}, []byte("orphan")...)); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}

	report, err := Audit(cat, store)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	found := false
	for _, h := range report.OrphanBlocks {
		if h == orphanHash {
			found = true
		}
	}
	if !found {
		t.Error("expected the unreferenced block to be reported as an orphan")
	}
	if len(report.IntegrityViolations) != 0 {
		t.Errorf("expected no integrity violations, got %d", len(report.IntegrityViolations))
	}
}

// blockPath computes a block's on-disk location from the documented
// blocks/<aa>/<bb>/<hex> layout, so tests can corrupt a block file the way
// bit rot or a crashed write would.
func blockPath(root string, hash [32]byte) string {
	hexHash := hex.EncodeToString(hash[:])
	return filepath.Join(root, "blocks", hexHash[:2], hexHash[2:4], hexHash)
}

func TestAuditAndRepair_TruncatedBlock(t *testing.T) {
	dir := t.TempDir()

	store, err := blockstore.Open(dir, nil)
	if err != nil {
		t.Fatalf("blockstore.Open failed: %v", err)
	}
	parity, err := blockstore.OpenParity(dir, 4, 2)
	if err != nil {
		t.Fatalf("OpenParity failed: %v", err)
	}
	store.SetParity(parity)

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open failed: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	record := append([]byte{0x00}, bytes.Repeat([]byte("truncation victim bytes "), 20)...)
	hash := sha256.Sum256(record)
	if _, err := store.PutIfAbsent(hash, record); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	contentHash := sha256.Sum256([]byte("d.txt"))
	if _, err := cat.Commit(catalog.CommitInput{
		Path:        "d.txt",
		Action:      catalog.ActionCreated,
		PlainSize:   int64(len(record) - 1),
		StoredSize:  int64(len(record)),
		ContentHash: contentHash[:],
		Chunks: []catalog.VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: int64(len(record) - 1), PlainSize: int64(len(record) - 1), StoredSize: int64(len(record))},
		},
	}, store.Exists); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Chop off the record's last quarter in place, as a torn write would:
	// two of the four data shards stay intact, within the two-parity-shard
	// recovery budget.
	if err := os.WriteFile(blockPath(dir, hash), record[:len(record)*3/4], 0o644); err != nil {
		t.Fatalf("truncating block file: %v", err)
	}

	report, err := Audit(cat, store)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(report.IntegrityViolations) != 1 {
		t.Fatalf("expected the truncated block to be flagged, got %d violations", len(report.IntegrityViolations))
	}

	repaired, remaining, err := Repair(store, parity, report.IntegrityViolations)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if len(repaired) != 1 || len(remaining) != 0 {
		t.Fatalf("expected 1 repaired / 0 remaining, got %d / %d", len(repaired), len(remaining))
	}

	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get after repair failed: %v", err)
	}
	if !bytes.Equal(got, record) {
		t.Error("repaired block does not match the original record")
	}
}

func TestRepair_WithoutParityReportsAllRemaining(t *testing.T) {
	gc, cat, store := newTestGC(t)
	_, _ = gc, cat

	violations := [][32]byte{sha256.Sum256([]byte("lost forever"))}
	repaired, remaining, err := Repair(store, nil, violations)
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if len(repaired) != 0 || len(remaining) != 1 {
		t.Fatalf("expected 0 repaired / 1 remaining without parity, got %d / %d", len(repaired), len(remaining))
	}
}

func TestAudit_DetectsIntegrityViolation(t *testing.T) {
	gc, cat, store := newTestGC(t)
	_ = gc
	versionID := commitOneChunk(t, cat, store, "c.txt", "will lose its block")

	chunks, err := cat.GetVersionChunks(versionID)
	if err != nil {
		t.Fatalf("GetVersionChunks failed: %v", err)
	}
	if err := store.Unlink(chunks[0].ChunkHash); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}

	report, err := Audit(cat, store)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(report.IntegrityViolations) != 1 {
		t.Fatalf("expected 1 integrity violation, got %d", len(report.IntegrityViolations))
	}
	if report.IntegrityViolations[0] != chunks[0].ChunkHash {
		t.Error("expected the violation to name the unlinked chunk's hash")
	}
}
