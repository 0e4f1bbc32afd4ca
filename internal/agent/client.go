package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/delta"
)

// Client is the client-side RPC stub over one transport connection. It
// multiplexes concurrent requests with a client-assigned request_id and a
// background read loop, satisfying internal/delta.AgentClient.
type Client struct {
	conn    io.ReadWriteCloser
	nextID  uint64
	sendMu  sync.Mutex
	mu      sync.Mutex
	pending map[uint64]chan Frame
	readErr error
	closed  chan struct{}
}

// NewClient starts the background read loop over conn and returns a ready
// Client. The caller must call Close when done.
func NewClient(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan Frame),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.closed)
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = map[uint64]chan Frame{}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.RequestID]
		if ok {
			delete(c.pending, frame.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- frame
			close(ch)
		}
	}
}

func (c *Client) call(ctx context.Context, op Opcode, reqBody []byte) (Frame, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: %v", apperrors.ErrTransportError, c.readErr)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.sendMu.Lock()
	err := WriteFrame(c.conn, Frame{Opcode: op, RequestID: id, Body: reqBody})
	c.sendMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: %v", apperrors.ErrTransportError, err)
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return Frame{}, fmt.Errorf("%w: connection closed awaiting reply", apperrors.ErrTransportError)
		}
		if frame.Opcode == OpError {
			var eresp ErrorResponse
			_ = decode(frame.Body, &eresp)
			if sentinel := apperrors.FromKind(eresp.Kind); sentinel != nil {
				return Frame{}, fmt.Errorf("%w: %s", sentinel, eresp.Message)
			}
			return Frame{}, fmt.Errorf("%s: %s", eresp.Kind, eresp.Message)
		}
		return frame, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Probe implements delta.AgentClient. The returned map carries, for every
// hash already stored, its catalog-recorded stored_size — callers need
// this to account dedup'd chunks into the version's stored-size sum.
func (c *Client) Probe(ctx context.Context, hashes [][32]byte) (map[[32]byte]int64, error) {
	body, err := encode(ProbeRequest{Hashes: hashes})
	if err != nil {
		return nil, err
	}
	frame, err := c.call(ctx, OpProbe, body)
	if err != nil {
		return nil, err
	}
	var resp ProbeResponse
	if err := decode(frame.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	present := make(map[[32]byte]int64, len(resp.Present))
	for i, h := range resp.Present {
		var size int64
		if i < len(resp.StoredSizes) {
			size = resp.StoredSizes[i]
		}
		present[h] = size
	}
	return present, nil
}

// PutChunk implements delta.AgentClient.
func (c *Client) PutChunk(ctx context.Context, hash [32]byte, record []byte) error {
	body, err := encode(PutChunkRequest{Hash: hash, Record: record})
	if err != nil {
		return err
	}
	_, err = c.call(ctx, OpPutChunk, body)
	return err
}

// CommitVersion implements delta.AgentClient.
func (c *Client) CommitVersion(ctx context.Context, req delta.CommitRequest) (int64, error) {
	wireChunks := make([]WireVersionChunk, len(req.Chunks))
	for i, ch := range req.Chunks {
		wireChunks[i] = WireVersionChunk{
			Sequence:   ch.Sequence,
			ChunkHash:  ch.ChunkHash,
			Offset:     ch.Offset,
			Length:     ch.Length,
			PlainSize:  ch.PlainSize,
			StoredSize: ch.StoredSize,
		}
	}
	body, err := encode(CommitVersionRequest{
		Path:        req.Path,
		Action:      string(req.Action),
		PlainSize:   req.PlainSize,
		ContentHash: req.ContentHash,
		Chunks:      wireChunks,
	})
	if err != nil {
		return 0, err
	}
	frame, err := c.call(ctx, OpCommitVersion, body)
	if err != nil {
		return 0, err
	}
	var resp CommitVersionResponse
	if err := decode(frame.Body, &resp); err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return resp.VersionID, nil
}

// GetChunk fetches one sealed record by hash, used by the restore path.
func (c *Client) GetChunk(ctx context.Context, hash [32]byte) ([]byte, error) {
	body, err := encode(GetChunkRequest{Hash: hash})
	if err != nil {
		return nil, err
	}
	frame, err := c.call(ctx, OpGetChunk, body)
	if err != nil {
		return nil, err
	}
	var resp GetChunkResponse
	if err := decode(frame.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return resp.Record, nil
}

// ListVersions lists every Version recorded for path.
func (c *Client) ListVersions(ctx context.Context, path string) ([]WireVersion, error) {
	body, err := encode(ListVersionsRequest{Path: path})
	if err != nil {
		return nil, err
	}
	frame, err := c.call(ctx, OpListVersions, body)
	if err != nil {
		return nil, err
	}
	var resp ListVersionsResponse
	if err := decode(frame.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return resp.Versions, nil
}

// ListFiles lists every File row.
func (c *Client) ListFiles(ctx context.Context) ([]WireFile, error) {
	body, err := encode(ListFilesRequest{})
	if err != nil {
		return nil, err
	}
	frame, err := c.call(ctx, OpListFiles, body)
	if err != nil {
		return nil, err
	}
	var resp ListFilesResponse
	if err := decode(frame.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return resp.Files, nil
}

// Restore fetches the sealed records of (path, versionID), ordered by
// sequence, for the caller to decrypt and reassemble.
func (c *Client) Restore(ctx context.Context, path string, versionID int64) ([]RestoreChunk, error) {
	body, err := encode(RestoreRequest{Path: path, VersionID: versionID})
	if err != nil {
		return nil, err
	}
	frame, err := c.call(ctx, OpRestore, body)
	if err != nil {
		return nil, err
	}
	var resp RestoreResponse
	if err := decode(frame.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return resp.Chunks, nil
}

// DeleteVersion issues a one-off version expiry outside the GC sweep.
func (c *Client) DeleteVersion(ctx context.Context, versionID int64) error {
	body, err := encode(DeleteVersionRequest{VersionID: versionID})
	if err != nil {
		return err
	}
	_, err = c.call(ctx, OpDeleteVersion, body)
	return err
}

// GC triggers a retention sweep on the server.
func (c *Client) GC(ctx context.Context, retentionSeconds int64, dryRun bool) (GCResponse, error) {
	body, err := encode(GCRequest{RetentionSeconds: retentionSeconds, DryRun: dryRun})
	if err != nil {
		return GCResponse{}, err
	}
	frame, err := c.call(ctx, OpGC, body)
	if err != nil {
		return GCResponse{}, err
	}
	var resp GCResponse
	if err := decode(frame.Body, &resp); err != nil {
		return GCResponse{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return resp, nil
}

// Stats fetches aggregate repository statistics.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	frame, err := c.call(ctx, OpStats, nil)
	if err != nil {
		return StatsResponse{}, err
	}
	var resp StatsResponse
	if err := decode(frame.Body, &resp); err != nil {
		return StatsResponse{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

var _ delta.AgentClient = (*Client)(nil)
