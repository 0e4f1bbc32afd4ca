package versionmgr

import (
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/killianrms/sauvegarde/internal/blockstore"
	"github.com/killianrms/sauvegarde/internal/catalog"
	"github.com/killianrms/sauvegarde/internal/delta"
)

func newTestManager(t *testing.T) *Manager {
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

	return New(cat, store)
}

func TestCommitVersion_StoredSizeIsSumOfChunks(t *testing.T) {
	mgr := newTestManager(t)

	hash := sha256.Sum256([]byte("plain chunk data"))
	if _, err := mgr.blocks.PutIfAbsent(hash, append([]byte{0x00}, []byte("plain chunk data")...)); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}

	contentHash := sha256.Sum256([]byte("whole file"))
	versionID, err := mgr.CommitVersion(delta.CommitRequest{
		Path:        "file.txt",
		Action:      catalog.ActionCreated,
		PlainSize:   16,
		ContentHash: contentHash[:],
		Chunks: []catalog.VersionChunkInput{
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 16, PlainSize: 16, StoredSize: 17},
		},
	})
	if err != nil {
		t.Fatalf("CommitVersion failed: %v", err)
	}
	if versionID == 0 {
		t.Fatal("expected a non-zero version id")
	}

	versions, err := mgr.cat.ListVersions("file.txt")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}
	if versions[0].StoredSize != 17 {
		t.Errorf("expected stored size 17, got %d", versions[0].StoredSize)
	}
	if versions[0].IsCompressed {
		t.Error("expected IsCompressed false for a plain-flagged chunk")
	}
}

func TestCommitVersion_DetectsCompressedChunk(t *testing.T) {
	mgr := newTestManager(t)

	hash := sha256.Sum256([]byte("gzip-compressed-record"))
	if _, err := mgr.blocks.PutIfAbsent(hash, append([]byte{0x01}, []byte("short")...)); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}

	contentHash := sha256.Sum256([]byte("whole file 2"))
	_, err := mgr.CommitVersion(delta.CommitRequest{
		Path:        "big.log",
		Action:      catalog.ActionCreated,
		PlainSize:   1000,
		ContentHash: contentHash[:],
		Chunks: []catalog.VersionChunkInput{
			// StoredSize (6, including the flag byte) is far below PlainSize
			// (1000), the signature of a chunk that compressed well.
			{Sequence: 0, ChunkHash: hash, Offset: 0, Length: 1000, PlainSize: 1000, StoredSize: 6},
		},
	})
	if err != nil {
		t.Fatalf("CommitVersion failed: %v", err)
	}

	versions, err := mgr.cat.ListVersions("big.log")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if !versions[0].IsCompressed {
		t.Error("expected IsCompressed true when a chunk's stored size undercuts its plain size")
	}
}
