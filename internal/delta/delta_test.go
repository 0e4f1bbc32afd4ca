package delta

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/killianrms/sauvegarde/internal/catalog"
	"github.com/killianrms/sauvegarde/internal/chunker"
	"github.com/killianrms/sauvegarde/internal/crypto"
)

// fakeAgent is an in-memory stand-in for the RPC client, simulating a block
// store and catalog without any transport.
type fakeAgent struct {
	mu      sync.Mutex
	blocks  map[[32]byte][]byte
	commits []CommitRequest
	nextID  int64

	failPutChunk map[[32]byte]int // number of remaining forced failures
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{blocks: make(map[[32]byte][]byte), failPutChunk: make(map[[32]byte]int)}
}

func (f *fakeAgent) Probe(ctx context.Context, hashes [][32]byte) (map[[32]byte]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[[32]byte]int64, len(hashes))
	for _, h := range hashes {
		if record, ok := f.blocks[h]; ok {
			out[h] = int64(len(record))
		}
	}
	return out, nil
}

func (f *fakeAgent) PutChunk(ctx context.Context, hash [32]byte, record []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining := f.failPutChunk[hash]; remaining > 0 {
		f.failPutChunk[hash] = remaining - 1
		return fmt.Errorf("simulated transient failure")
	}
	f.blocks[hash] = record
	return nil
}

func (f *fakeAgent) CommitVersion(ctx context.Context, req CommitRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.commits = append(f.commits, req)
	return f.nextID, nil
}

func testChunker() *chunker.Chunker {
	return chunker.New(chunker.Params{Window: 48, Min: 256, Avg: 1024, Max: 4096})
}

func testKey(t *testing.T) []byte {
	t.Helper()
	return bytes.Repeat([]byte{0x42}, crypto.KeySize)
}

func TestCommitFile_UploadsAllMissingChunks(t *testing.T) {
	agent := newFakeAgent()
	engine := New(agent, testKey(t), testChunker(), 4)

	data := bytes.Repeat([]byte("delta engine test content "), 500)
	versionID, err := engine.CommitFile(context.Background(), "report.txt", bytes.NewReader(data), catalog.ActionCreated)
	if err != nil {
		t.Fatalf("CommitFile failed: %v", err)
	}
	if versionID == 0 {
		t.Fatal("expected a non-zero version id")
	}
	if len(agent.commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(agent.commits))
	}

	req := agent.commits[0]
	if req.PlainSize != int64(len(data)) {
		t.Errorf("expected plain size %d, got %d", len(data), req.PlainSize)
	}
	if len(agent.blocks) == 0 {
		t.Error("expected at least one uploaded block")
	}
	if len(req.Chunks) != len(agent.blocks) {
		t.Errorf("expected every committed chunk to have an uploaded block: %d vs %d", len(req.Chunks), len(agent.blocks))
	}
}

func TestCommitFile_SkipsAlreadyPresentChunks(t *testing.T) {
	agent := newFakeAgent()
	engine := New(agent, testKey(t), testChunker(), 4)
	data := bytes.Repeat([]byte("shared content across two commits, long enough "), 200)

	if _, err := engine.CommitFile(context.Background(), "a.txt", bytes.NewReader(data), catalog.ActionCreated); err != nil {
		t.Fatalf("first CommitFile failed: %v", err)
	}
	firstBlockCount := len(agent.blocks)

	if _, err := engine.CommitFile(context.Background(), "b.txt", bytes.NewReader(data), catalog.ActionCreated); err != nil {
		t.Fatalf("second CommitFile failed: %v", err)
	}

	if len(agent.blocks) != firstBlockCount {
		t.Errorf("expected no new blocks for identical content, had %d now have %d", firstBlockCount, len(agent.blocks))
	}

	// Every chunk of the second commit dedups against a block uploaded by
	// the first, so none are re-uploaded — but stored_size must still
	// reflect each chunk's actual on-disk size, not the zero value a
	// skipped-upload chunk would default to.
	secondReq := agent.commits[1]
	for _, c := range secondReq.Chunks {
		record, ok := agent.blocks[c.ChunkHash]
		if !ok {
			t.Fatalf("expected dedup'd chunk %x to already have a stored block", c.ChunkHash)
		}
		if c.StoredSize != int64(len(record)) {
			t.Errorf("chunk %x: expected stored size %d (dedup'd block size), got %d", c.ChunkHash, len(record), c.StoredSize)
		}
	}
	var totalStored int64
	for _, c := range secondReq.Chunks {
		totalStored += c.StoredSize
	}
	if totalStored == 0 {
		t.Error("expected a non-zero total stored size for a version made entirely of dedup'd chunks")
	}
}

func TestCommitFile_RetriesTransientFailures(t *testing.T) {
	agent := newFakeAgent()
	engine := New(agent, testKey(t), testChunker(), 2)
	data := bytes.Repeat([]byte("retry me please, this needs to exceed the minimum "), 100)

	// Force every chunk's first PutChunk call to fail once.
	tmpEngine := New(agent, testKey(t), testChunker(), 2)
	metas, err := tmpEngine.chunker.Split(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	for _, m := range metas {
		agent.failPutChunk[m.Hash] = 1
	}

	versionID, err := engine.CommitFile(context.Background(), "retry.txt", bytes.NewReader(data), catalog.ActionCreated)
	if err != nil {
		t.Fatalf("CommitFile failed despite retry budget: %v", err)
	}
	if versionID == 0 {
		t.Fatal("expected a non-zero version id")
	}
}

func TestCommitFile_ExhaustedRetriesAbandonCommit(t *testing.T) {
	agent := newFakeAgent()
	engine := New(agent, testKey(t), testChunker(), 2)
	data := bytes.Repeat([]byte("always fails, long enough to form a real chunk "), 100)

	metas, err := engine.chunker.Split(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	for _, m := range metas {
		agent.failPutChunk[m.Hash] = maxAttempts + 1
	}

	_, err = engine.CommitFile(context.Background(), "fail.txt", bytes.NewReader(data), catalog.ActionCreated)
	if err == nil {
		t.Fatal("expected CommitFile to fail after exhausting retries")
	}
	if len(agent.commits) != 0 {
		t.Error("expected no commit to be issued when uploads fail")
	}
}

func TestCommitDelete_NoChunksNoContentHash(t *testing.T) {
	agent := newFakeAgent()
	engine := New(agent, testKey(t), testChunker(), 2)

	if _, err := engine.CommitDelete(context.Background(), "gone.txt"); err != nil {
		t.Fatalf("CommitDelete failed: %v", err)
	}
	if len(agent.commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(agent.commits))
	}
	req := agent.commits[0]
	if req.Action != catalog.ActionDeleted {
		t.Errorf("expected delete action, got %s", req.Action)
	}
	if len(req.Chunks) != 0 || req.ContentHash != nil {
		t.Error("expected a tombstone commit to carry no chunks and no content hash")
	}
}
