package catalog

import (
	"crypto/sha256"
	"path/filepath"
	"testing"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func alwaysExists(hash [32]byte) bool { return true }

func TestCommit_SimpleFileCreatesVersionAndChunk(t *testing.T) {
	cat := openTestCatalog(t)

	hash := sha256.Sum256([]byte("hello world\n"))
	contentHash := hash[:]
	versionID, err := cat.Commit(CommitInput{
		Path:        "a.txt",
		Action:      ActionCreated,
		PlainSize:   12,
		StoredSize:  40,
		ContentHash: contentHash,
		Chunks: []VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 12, PlainSize: 12, StoredSize: 40},
		},
	}, alwaysExists)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if versionID == 0 {
		t.Fatal("expected a non-zero version id")
	}

	file, err := cat.GetFile("a.txt")
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if file.LastAction != ActionCreated {
		t.Errorf("expected last_action created, got %s", file.LastAction)
	}

	versions, err := cat.ListVersions("a.txt")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}

	vcs, err := cat.GetVersionChunks(versionID)
	if err != nil {
		t.Fatalf("GetVersionChunks failed: %v", err)
	}
	if len(vcs) != 1 || vcs[0].ChunkHash != hash {
		t.Errorf("unexpected version chunks: %+v", vcs)
	}
}

func TestCommit_MissingBlockFails(t *testing.T) {
	cat := openTestCatalog(t)
	hash := sha256.Sum256([]byte("not uploaded"))

	_, err := cat.Commit(CommitInput{
		Path:        "b.txt",
		Action:      ActionCreated,
		PlainSize:   12,
		ContentHash: hash[:],
		Chunks: []VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 12},
		},
	}, func([32]byte) bool { return false })
	if err == nil {
		t.Fatal("expected MissingBlock error")
	}

	if _, err := cat.GetFile("b.txt"); err == nil {
		t.Error("expected no File row to survive a rolled-back commit")
	}
}

func TestCommit_DedupSharesOneChunkRow(t *testing.T) {
	cat := openTestCatalog(t)
	hash := sha256.Sum256([]byte("shared content"))

	for _, path := range []string{"x.txt", "y.txt"} {
		fileHash := sha256.Sum256([]byte(path))
		_, err := cat.Commit(CommitInput{
			Path:        path,
			Action:      ActionCreated,
			PlainSize:   14,
			ContentHash: fileHash[:],
			Chunks: []VersionChunkInput{
				{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 14, PlainSize: 14, StoredSize: 30},
			},
		}, alwaysExists)
		if err != nil {
			t.Fatalf("Commit(%s) failed: %v", path, err)
		}
	}

	chunks, err := cat.ZeroRefcountChunks()
	if err != nil {
		t.Fatalf("ZeroRefcountChunks failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected the shared chunk to have refcount > 0, found %d zero-refcount chunks", len(chunks))
	}

	hashes, err := cat.ChunkHashes()
	if err != nil {
		t.Fatalf("ChunkHashes failed: %v", err)
	}
	if len(hashes) != 1 {
		t.Fatalf("expected exactly one Chunk row shared by both files, got %d", len(hashes))
	}
}

func TestCommit_DeleteAction(t *testing.T) {
	cat := openTestCatalog(t)
	hash := sha256.Sum256([]byte("content"))

	_, err := cat.Commit(CommitInput{
		Path:        "z.txt",
		Action:      ActionCreated,
		PlainSize:   7,
		ContentHash: hash[:],
		Chunks: []VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 7, PlainSize: 7, StoredSize: 20},
		},
	}, alwaysExists)
	if err != nil {
		t.Fatalf("create commit failed: %v", err)
	}

	versionID, err := cat.Commit(CommitInput{
		Path:   "z.txt",
		Action: ActionDeleted,
	}, alwaysExists)
	if err != nil {
		t.Fatalf("delete commit failed: %v", err)
	}

	vcs, err := cat.GetVersionChunks(versionID)
	if err != nil {
		t.Fatalf("GetVersionChunks failed: %v", err)
	}
	if len(vcs) != 0 {
		t.Errorf("expected a tombstone version to have no version_chunks, got %d", len(vcs))
	}

	versions, err := cat.ListVersions("z.txt")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected both versions retained after tombstone, got %d", len(versions))
	}
}

func TestExpireCandidates_KeepsLatestPerPath(t *testing.T) {
	cat := openTestCatalog(t)
	hash := sha256.Sum256([]byte("v1"))

	_, err := cat.Commit(CommitInput{
		Path:        "keep.txt",
		Action:      ActionCreated,
		PlainSize:   2,
		ContentHash: hash[:],
		Chunks: []VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 2, PlainSize: 2, StoredSize: 10},
		},
	}, alwaysExists)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	candidates, err := cat.ExpireCandidates(0)
	if err != nil {
		t.Fatalf("ExpireCandidates failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected the single/latest version to never be an expiry candidate, got %d", len(candidates))
	}
}

func TestExpireOne_DecrementsRefcountAndDeletesVersion(t *testing.T) {
	cat := openTestCatalog(t)
	hash := sha256.Sum256([]byte("expire-me"))

	versionID, err := cat.Commit(CommitInput{
		Path:        "e.txt",
		Action:      ActionCreated,
		PlainSize:   9,
		ContentHash: hash[:],
		Chunks: []VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 9, PlainSize: 9, StoredSize: 20},
		},
	}, alwaysExists)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	// Second version so the first becomes expirable under the latest-always rule.
	hash2 := sha256.Sum256([]byte("expire-me-v2"))
	if _, err := cat.Commit(CommitInput{
		Path:        "e.txt",
		Action:      ActionModified,
		PlainSize:   12,
		ContentHash: hash2[:],
		Chunks: []VersionChunkInput{
			{Sequence: 0, ChunkHash: hash2, Offset: 0, Length: 12, PlainSize: 12, StoredSize: 24},
		},
	}, alwaysExists); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}

	if err := cat.ExpireOne(versionID); err != nil {
		t.Fatalf("ExpireOne failed: %v", err)
	}

	zeroRef, err := cat.ZeroRefcountChunks()
	if err != nil {
		t.Fatalf("ZeroRefcountChunks failed: %v", err)
	}
	found := false
	for _, ch := range zeroRef {
		if ch.ChunkHash == hash {
			found = true
		}
	}
	if !found {
		t.Error("expected the expired version's unique chunk to reach refcount 0")
	}
}

func TestGetFile_NotFound(t *testing.T) {
	cat := openTestCatalog(t)
	if _, err := cat.GetFile("missing.txt"); err == nil {
		t.Fatal("expected ErrNotFound for a missing file")
	}
}

func TestChunkSizes_ReturnsOnlyKnownHashes(t *testing.T) {
	cat := openTestCatalog(t)

	hash := sha256.Sum256([]byte("a dedup-eligible run of bytes"))
	contentHash := sha256.Sum256([]byte("a.txt contents"))
	if _, err := cat.Commit(CommitInput{
		Path:        "a.txt",
		Action:      ActionCreated,
		PlainSize:   30,
		StoredSize:  48,
		ContentHash: contentHash[:],
		Chunks: []VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 30, PlainSize: 30, StoredSize: 48},
		},
	}, alwaysExists); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	unknown := sha256.Sum256([]byte("never uploaded"))
	sizes, err := cat.ChunkSizes([][32]byte{hash, unknown})
	if err != nil {
		t.Fatalf("ChunkSizes failed: %v", err)
	}
	if got, ok := sizes[hash]; !ok || got != 48 {
		t.Errorf("expected known chunk's stored size 48, got %d (present=%v)", got, ok)
	}
	if _, ok := sizes[unknown]; ok {
		t.Error("expected an unknown hash to be absent from the result")
	}
}
