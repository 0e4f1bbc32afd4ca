package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/catalog"
	"github.com/killianrms/sauvegarde/internal/crypto"
	"github.com/killianrms/sauvegarde/internal/delta"
	"github.com/killianrms/sauvegarde/internal/observability"
	"github.com/killianrms/sauvegarde/internal/repo"
	"github.com/killianrms/sauvegarde/internal/retention"
	"github.com/killianrms/sauvegarde/internal/versionmgr"
)

// Dispatcher is the server side of the RPC protocol: one writer path
// owning the catalog write lock, plus read-only RPCs that may run
// concurrently with it and with each other. A Dispatcher serves exactly
// one transport connection at a time — one connection is one client
// session.
type Dispatcher struct {
	repo     *repo.Repository
	mgr      *versionmgr.Manager
	gc       *retention.GC
	identity *crypto.Identity // nil unless the agent was configured with one
	writeMu  sync.Mutex       // serializes catalog-writing opcodes
	sendMu   sync.Mutex       // serializes writes to the transport stream
}

// NewDispatcher constructs a Dispatcher over an open repository.
func NewDispatcher(r *repo.Repository) *Dispatcher {
	return &Dispatcher{
		repo: r,
		mgr:  versionmgr.New(r.Catalog, r.Blocks),
		gc:   retention.New(r.Catalog, r.Blocks),
	}
}

// WithIdentity attaches an agent identity: commit and GC responses are then
// signed as provenance receipts, per internal/crypto/identity.go.
func (d *Dispatcher) WithIdentity(id *crypto.Identity) *Dispatcher {
	d.identity = id
	return d
}

// signReceipt signs fields with the configured identity, or returns nil if
// none is configured.
func (d *Dispatcher) signReceipt(fields ...[]byte) []byte {
	if d.identity == nil {
		return nil
	}
	var payload []byte
	for _, f := range fields {
		payload = append(payload, f...)
	}
	return d.identity.Sign(payload)
}

// Serve reads frames from conn until the stream ends or a read fails,
// dispatching each to its handler. Read-only opcodes are dispatched to
// their own goroutine so they can proceed concurrently with an
// in-progress write; write opcodes run inline so that connection-level
// FIFO order is preserved for the operations that actually mutate state.
func (d *Dispatcher) Serve(conn io.ReadWriteCloser) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", apperrors.ErrTransportError, err)
		}

		if isReadOnly(frame.Opcode) {
			wg.Add(1)
			go func(f Frame) {
				defer wg.Done()
				d.handleAndReply(conn, f)
			}(frame)
			continue
		}

		d.handleAndReply(conn, frame)
	}
}

func isReadOnly(op Opcode) bool {
	switch op {
	case OpProbe, OpGetChunk, OpListFiles, OpListVersions, OpRestore, OpStats:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) handleAndReply(conn io.Writer, frame Frame) {
	// One span per frame: commit, restore and GC all pass through here, so
	// a slow commit's catalog and block-store time shows up in one trace.
	_, span := observability.Tracer().Start(context.Background(), "rpc."+frame.Opcode.String())
	span.SetAttributes(
		attribute.Int64("rpc.request_id", int64(frame.RequestID)),
		attribute.Int("rpc.body_bytes", len(frame.Body)),
	)

	respOpcode, respBody, err := d.handle(frame)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.Kind(err))
		respOpcode = OpError
		respBody, _ = encode(ErrorResponse{Kind: apperrors.Kind(err), Message: err.Error()})
	}
	span.End()

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	_ = WriteFrame(conn, Frame{Opcode: respOpcode, RequestID: frame.RequestID, Body: respBody})
}

func (d *Dispatcher) handle(frame Frame) (Opcode, []byte, error) {
	switch frame.Opcode {
	case OpProbe:
		return d.handleProbe(frame.Body)
	case OpPutChunk:
		return d.handlePutChunk(frame.Body)
	case OpGetChunk:
		return d.handleGetChunk(frame.Body)
	case OpCommitVersion:
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return d.handleCommitVersion(frame.Body)
	case OpListFiles:
		return d.handleListFiles(frame.Body)
	case OpListVersions:
		return d.handleListVersions(frame.Body)
	case OpRestore:
		return d.handleRestore(frame.Body)
	case OpDeleteVersion:
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return d.handleDeleteVersion(frame.Body)
	case OpGC:
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
		return d.handleGC(frame.Body)
	case OpStats:
		return d.handleStats(frame.Body)
	default:
		return 0, nil, fmt.Errorf("%w: unknown opcode %d", apperrors.ErrMalformedRecord, frame.Opcode)
	}
}

func (d *Dispatcher) handleProbe(body []byte) (Opcode, []byte, error) {
	var req ProbeRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	var present [][32]byte
	for _, h := range req.Hashes {
		if d.repo.Blocks.Exists(h) {
			present = append(present, h)
		}
	}
	sizes, err := d.repo.Catalog.ChunkSizes(present)
	if err != nil {
		return 0, nil, err
	}
	storedSizes := make([]int64, len(present))
	for i, h := range present {
		storedSizes[i] = sizes[h]
	}
	out, err := encode(ProbeResponse{Present: present, StoredSizes: storedSizes})
	return OpProbe, out, err
}

func (d *Dispatcher) handlePutChunk(body []byte) (Opcode, []byte, error) {
	var req PutChunkRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if _, err := d.repo.Blocks.PutIfAbsent(req.Hash, req.Record); err != nil {
		return 0, nil, err
	}
	out, err := encode(PutChunkResponse{})
	return OpPutChunk, out, err
}

func (d *Dispatcher) handleGetChunk(body []byte) (Opcode, []byte, error) {
	var req GetChunkRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	record, err := d.repo.Blocks.Get(req.Hash)
	if err != nil {
		return 0, nil, err
	}
	out, err := encode(GetChunkResponse{Record: record})
	return OpGetChunk, out, err
}

func (d *Dispatcher) handleCommitVersion(body []byte) (Opcode, []byte, error) {
	var req CommitVersionRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	cleanPath, err := SandboxPath(req.Path)
	if err != nil {
		return 0, nil, err
	}

	chunks := make([]catalog.VersionChunkInput, len(req.Chunks))
	for i, c := range req.Chunks {
		chunks[i] = catalog.VersionChunkInput{
			Sequence:   c.Sequence,
			ChunkHash:  c.ChunkHash,
			Offset:     c.Offset,
			Length:     c.Length,
			PlainSize:  c.PlainSize,
			StoredSize: c.StoredSize,
		}
	}

	versionID, err := d.mgr.CommitVersion(delta.CommitRequest{
		Path:        cleanPath,
		Action:      catalog.Action(req.Action),
		PlainSize:   req.PlainSize,
		ContentHash: req.ContentHash,
		Chunks:      chunks,
	})
	if err != nil {
		return 0, nil, err
	}
	idBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBytes, uint64(versionID))
	sig := d.signReceipt([]byte(cleanPath), idBytes, req.ContentHash)
	out, err := encode(CommitVersionResponse{VersionID: versionID, Signature: sig})
	return OpCommitVersion, out, err
}

func (d *Dispatcher) handleListFiles(body []byte) (Opcode, []byte, error) {
	files, err := d.repo.Catalog.ListFiles()
	if err != nil {
		return 0, nil, err
	}
	wireFiles := make([]WireFile, len(files))
	for i, f := range files {
		wireFiles[i] = WireFile{
			Path:        f.Path,
			FirstSeenAt: f.FirstSeenAt.UnixMicro(),
			LastAction:  string(f.LastAction),
			CurrentSize: f.CurrentSize,
		}
	}
	out, err := encode(ListFilesResponse{Files: wireFiles})
	return OpListFiles, out, err
}

func (d *Dispatcher) handleListVersions(body []byte) (Opcode, []byte, error) {
	var req ListVersionsRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	cleanPath, err := SandboxPath(req.Path)
	if err != nil {
		return 0, nil, err
	}
	versions, err := d.repo.Catalog.ListVersions(cleanPath)
	if err != nil {
		return 0, nil, err
	}
	wireVersions := make([]WireVersion, len(versions))
	for i, v := range versions {
		wireVersions[i] = WireVersion{
			VersionID:    v.VersionID,
			Path:         v.Path,
			Timestamp:    v.Timestamp.UnixMicro(),
			Action:       string(v.Action),
			PlainSize:    v.PlainSize,
			StoredSize:   v.StoredSize,
			IsCompressed: v.IsCompressed,
			ContentHash:  v.ContentHash,
		}
	}
	out, err := encode(ListVersionsResponse{Versions: wireVersions})
	return OpListVersions, out, err
}

func (d *Dispatcher) handleRestore(body []byte) (Opcode, []byte, error) {
	var req RestoreRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if _, err := SandboxPath(req.Path); err != nil {
		return 0, nil, err
	}

	vcs, err := d.repo.Catalog.GetVersionChunks(req.VersionID)
	if err != nil {
		return 0, nil, err
	}

	chunks := make([]RestoreChunk, len(vcs))
	for i, vc := range vcs {
		record, err := d.repo.Blocks.Get(vc.ChunkHash)
		if err != nil {
			return 0, nil, err
		}
		chunks[i] = RestoreChunk{Sequence: vc.Sequence, Record: record, Hash: vc.ChunkHash}
	}
	out, err := encode(RestoreResponse{Chunks: chunks})
	return OpRestore, out, err
}

func (d *Dispatcher) handleDeleteVersion(body []byte) (Opcode, []byte, error) {
	var req DeleteVersionRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if err := d.repo.Catalog.ExpireOne(req.VersionID); err != nil {
		return 0, nil, err
	}
	out, err := encode(DeleteVersionResponse{})
	return OpDeleteVersion, out, err
}

func (d *Dispatcher) handleGC(body []byte) (Opcode, []byte, error) {
	var req GCRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	result, err := d.gc.Run(time.Duration(req.RetentionSeconds)*time.Second, req.DryRun)
	if err != nil {
		return 0, nil, err
	}
	expBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(expBytes, uint64(result.ExpiredVersions))
	blkBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(blkBytes, uint64(result.FreedBlocks))
	sig := d.signReceipt(expBytes, blkBytes)
	out, err := encode(GCResponse{
		ExpiredVersions: result.ExpiredVersions,
		FreedBlocks:     result.FreedBlocks,
		FreedBytes:      result.FreedBytes,
		Signature:       sig,
	})
	return OpGC, out, err
}

func (d *Dispatcher) handleStats(body []byte) (Opcode, []byte, error) {
	s, err := d.repo.Catalog.Stats()
	if err != nil {
		return 0, nil, err
	}
	out, err := encode(StatsResponse{
		FileCount:        s.FileCount,
		VersionCount:     s.VersionCount,
		ChunkCount:       s.ChunkCount,
		TotalStoredBytes: s.TotalStoredBytes,
	})
	return OpStats, out, err
}
