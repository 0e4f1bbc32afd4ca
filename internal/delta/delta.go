// Package delta implements the client-side delta-sync engine: chunk a
// local file, probe the agent for which chunks are already stored, upload
// only the missing ones with a bounded in-flight window and per-chunk
// retry, then commit the new version.
package delta

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/catalog"
	"github.com/killianrms/sauvegarde/internal/chunker"
	"github.com/killianrms/sauvegarde/internal/compress"
	"github.com/killianrms/sauvegarde/internal/crypto"
)

// maxProbeBatch is the maximum number of hashes per probe request.
const maxProbeBatch = 1024

// DefaultWindow is the default bounded in-flight upload window.
const DefaultWindow = 8

// Backoff parameters for per-chunk upload retry.
const (
	backoffBase   = 250 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 8 * time.Second
	maxAttempts   = 5
)

// AgentClient is the narrow surface the delta engine needs from the agent
// RPC client — small enough that the engine has no import dependency on the
// dispatcher or transport packages.
type AgentClient interface {
	// Probe returns, for every hash already stored, its catalog-recorded
	// stored_size — presence is keyed by map membership, not by a
	// truthy value, since a legitimately empty chunk stores at size 0.
	Probe(ctx context.Context, hashes [][32]byte) (present map[[32]byte]int64, err error)
	PutChunk(ctx context.Context, hash [32]byte, record []byte) error
	CommitVersion(ctx context.Context, req CommitRequest) (versionID int64, err error)
}

// CommitRequest is the payload of the commit_version RPC.
type CommitRequest struct {
	Path        string
	Action      catalog.Action
	PlainSize   int64
	ContentHash []byte
	Chunks      []catalog.VersionChunkInput
}

// Engine drives one file's commit through chunk → probe → upload → commit.
type Engine struct {
	client  AgentClient
	key     []byte
	chunker *chunker.Chunker
	window  int
}

// New constructs an Engine. window is the bounded in-flight upload count;
// 0 selects DefaultWindow.
func New(client AgentClient, key []byte, c *chunker.Chunker, window int) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{client: client, key: key, chunker: c, window: window}
}

// planChunk is one chunk carrying both its metadata and its source bytes,
// retained long enough to seal and upload if missing.
type planChunk struct {
	meta chunker.ChunkMeta
	data []byte
}

// CommitFile chunks r, probes for missing blocks, uploads them, and
// commits the new version. path names the file in the repository and
// feeds the compressibility hint; the bytes themselves come from r.
// action must be ActionCreated or ActionModified; use CommitDelete for
// tombstones.
func (e *Engine) CommitFile(ctx context.Context, path string, r io.Reader, action catalog.Action) (int64, error) {
	var plan []planChunk
	var totalPlain int64
	contentHasher := crypto.NewContentHasher()

	_, err := e.chunker.Split(r, func(m chunker.ChunkMeta, data []byte) error {
		cp := make([]byte, len(data))
		copy(cp, data)
		plan = append(plan, planChunk{meta: m, data: cp})
		totalPlain += int64(len(data))
		contentHasher.Write(data)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chunking %s: %w", path, err)
	}

	hashes := make([][32]byte, len(plan))
	for i, pc := range plan {
		hashes[i] = pc.meta.Hash
	}

	present, err := e.probeAll(ctx, hashes)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", path, err)
	}

	storedSizes, err := e.uploadMissing(ctx, plan, present, path)
	if err != nil {
		return 0, fmt.Errorf("uploading chunks for %s: %w", path, err)
	}

	vcInputs := make([]catalog.VersionChunkInput, len(plan))
	for i, pc := range plan {
		vcInputs[i] = catalog.VersionChunkInput{
			Sequence:   i,
			ChunkHash:  pc.meta.Hash,
			Offset:     pc.meta.Offset,
			Length:     int64(pc.meta.Length),
			PlainSize:  int64(pc.meta.Length),
			StoredSize: storedSizes[pc.meta.Hash],
		}
	}

	versionID, err := e.client.CommitVersion(ctx, CommitRequest{
		Path:        path,
		Action:      action,
		PlainSize:   totalPlain,
		ContentHash: contentHasher.Sum(),
		Chunks:      vcInputs,
	})
	if err != nil {
		return 0, fmt.Errorf("committing %s: %w", path, err)
	}
	return versionID, nil
}

// CommitDelete issues a tombstone commit for path.
func (e *Engine) CommitDelete(ctx context.Context, path string) (int64, error) {
	return e.client.CommitVersion(ctx, CommitRequest{Path: path, Action: catalog.ActionDeleted})
}

// probeAll batches hashes into groups of at most maxProbeBatch and merges
// the agent's responses. The returned map's value is each present hash's
// catalog-recorded stored_size; presence is membership, not truthiness.
func (e *Engine) probeAll(ctx context.Context, hashes [][32]byte) (map[[32]byte]int64, error) {
	present := make(map[[32]byte]int64, len(hashes))
	for start := 0; start < len(hashes); start += maxProbeBatch {
		end := start + maxProbeBatch
		if end > len(hashes) {
			end = len(hashes)
		}
		batch, err := e.client.Probe(ctx, hashes[start:end])
		if err != nil {
			return nil, err
		}
		for h, size := range batch {
			present[h] = size
		}
	}
	return present, nil
}

// uploadMissing pipelines uploads of every chunk not already present, up to
// the bounded in-flight window, retrying each with bounded exponential
// backoff. If any chunk exhausts its retries, the whole commit is
// abandoned — no catalog mutation occurs since CommitVersion is never
// called in that case. The returned map covers every chunk in plan,
// already-present ones included, so callers can compute the version's
// stored size as a sum over every referenced chunk, not just newly
// uploaded ones.
func (e *Engine) uploadMissing(ctx context.Context, plan []planChunk, present map[[32]byte]int64, path string) (map[[32]byte]int64, error) {
	sem := make(chan struct{}, e.window)
	var wg sync.WaitGroup
	var mu sync.Mutex
	storedSizes := make(map[[32]byte]int64, len(plan))
	for h, size := range present {
		storedSizes[h] = size
	}
	var firstErr error

	for _, pc := range plan {
		if _, ok := present[pc.meta.Hash]; ok {
			continue
		}
		pc := pc
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			record, err := e.seal(pc.data, path)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			if err := e.uploadWithRetry(ctx, pc.meta.Hash, record); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			storedSizes[pc.meta.Hash] = int64(len(record))
			mu.Unlock()
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return storedSizes, nil
}

func (e *Engine) seal(plaintext []byte, path string) ([]byte, error) {
	encoded, err := compress.Encode(plaintext, compress.ShouldAttempt(path))
	if err != nil {
		return nil, err
	}
	return crypto.Seal(e.key, encoded)
}

func (e *Engine) uploadWithRetry(ctx context.Context, hash [32]byte, record []byte) error {
	delay := backoffBase
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= backoffFactor
			if delay > backoffCap {
				delay = backoffCap
			}
		}
		lastErr = e.client.PutChunk(ctx, hash, record)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: chunk %x: %v", apperrors.ErrRetryExhausted, hash, lastErr)
}
