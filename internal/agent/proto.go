// Package agent implements the long-lived RPC agent: a framed
// request/response protocol multiplexed over one transport connection,
// backed by the catalog, block store and retention packages.
package agent

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Opcode identifies one RPC.
type Opcode uint8

const (
	OpProbe Opcode = iota + 1
	OpPutChunk
	OpGetChunk
	OpCommitVersion
	OpListFiles
	OpListVersions
	OpRestore
	OpDeleteVersion
	OpGC
	OpStats
)

// String returns the opcode's wire-protocol name, used for span and log
// labels.
func (o Opcode) String() string {
	switch o {
	case OpProbe:
		return "probe"
	case OpPutChunk:
		return "put_chunk"
	case OpGetChunk:
		return "get_chunk"
	case OpCommitVersion:
		return "commit_version"
	case OpListFiles:
		return "list_files"
	case OpListVersions:
		return "list_versions"
	case OpRestore:
		return "restore"
	case OpDeleteVersion:
		return "delete_version"
	case OpGC:
		return "gc"
	case OpStats:
		return "stats"
	case OpError:
		return "error"
	default:
		return "unknown"
	}
}

// maxFrameBody caps a single frame's body to guard against a malformed
// length prefix causing an unbounded allocation.
const maxFrameBody = 256 << 20 // 256 MiB, comfortably above MAX chunk size

// Frame is one length-prefixed message: `u32 length ‖ u8 opcode ‖ u64
// request_id ‖ body`, all little-endian. length covers everything after
// itself.
type Frame struct {
	Opcode    Opcode
	RequestID uint64
	Body      []byte
}

// WriteFrame serializes and writes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	header := make([]byte, 9) // opcode(1) + request_id(8)
	header[0] = byte(f.Opcode)
	binary.LittleEndian.PutUint64(header[1:], f.RequestID)

	length := uint32(len(header) + len(f.Body))
	lengthBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lengthBuf, length)

	if _, err := w.Write(lengthBuf); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(f.Body) > 0 {
		if _, err := w.Write(f.Body); err != nil {
			return fmt.Errorf("writing frame body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, blocking until a full frame arrives or
// the stream errors.
func ReadFrame(r io.Reader) (Frame, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(lengthBuf)
	if length < 9 || length > maxFrameBody {
		return Frame{}, fmt.Errorf("invalid frame length %d", length)
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}

	f := Frame{
		Opcode:    Opcode(rest[0]),
		RequestID: binary.LittleEndian.Uint64(rest[1:9]),
		Body:      rest[9:],
	}
	return f, nil
}

// encode marshals v as a frame body. Payloads are JSON.
func encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decode(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// ProbeRequest/ProbeResponse — subset of hashes already stored.
type ProbeRequest struct {
	Hashes [][32]byte `json:"hashes"`
}

type ProbeResponse struct {
	Present [][32]byte `json:"present"`
	// StoredSizes carries the catalog's recorded stored_size for each
	// hash in Present, so a client that dedups against an already-stored
	// chunk can still fold its size into the version's stored-size sum.
	StoredSizes []int64 `json:"stored_sizes"`
}

// PutChunkRequest carries one sealed record announced under hash.
type PutChunkRequest struct {
	Hash   [32]byte `json:"hash"`
	Record []byte   `json:"record"`
}

type PutChunkResponse struct{}

// GetChunkRequest/GetChunkResponse — fetch one sealed record by hash.
type GetChunkRequest struct {
	Hash [32]byte `json:"hash"`
}

type GetChunkResponse struct {
	Record []byte `json:"record"`
}

// CommitVersionRequest mirrors delta.CommitRequest over the wire.
type CommitVersionRequest struct {
	Path        string             `json:"path"`
	Action      string             `json:"action"`
	PlainSize   int64              `json:"plain_size"`
	ContentHash []byte             `json:"content_hash,omitempty"`
	Chunks      []WireVersionChunk `json:"chunks,omitempty"`
}

// WireVersionChunk is the wire encoding of catalog.VersionChunkInput.
type WireVersionChunk struct {
	Sequence   int      `json:"sequence"`
	ChunkHash  [32]byte `json:"chunk_hash"`
	Offset     int64    `json:"offset"`
	Length     int64    `json:"length"`
	PlainSize  int64    `json:"plain_size"`
	StoredSize int64    `json:"stored_size"`
}

type CommitVersionResponse struct {
	VersionID int64 `json:"version_id"`
	// Signature is an Ed25519 signature over the commit receipt (path,
	// version_id, content_hash) under the agent's identity keypair, when
	// one is configured — a provenance receipt per
	// internal/crypto/identity.go, not an authentication mechanism.
	Signature []byte `json:"signature,omitempty"`
}

// ListFilesRequest/Response — the dispatcher does not apply PathPrefix:
// every File row is listed, whatever the request carries.
type ListFilesRequest struct {
	PathPrefix string `json:"path_prefix,omitempty"`
}

type ListFilesResponse struct {
	Files []WireFile `json:"files"`
}

type WireFile struct {
	Path        string `json:"path"`
	FirstSeenAt int64  `json:"first_seen_at"`
	LastAction  string `json:"last_action"`
	CurrentSize int64  `json:"current_size"`
}

type ListVersionsRequest struct {
	Path string `json:"path"`
}

type ListVersionsResponse struct {
	Versions []WireVersion `json:"versions"`
}

type WireVersion struct {
	VersionID    int64  `json:"version_id"`
	Path         string `json:"path"`
	Timestamp    int64  `json:"timestamp"`
	Action       string `json:"action"`
	PlainSize    int64  `json:"plain_size"`
	StoredSize   int64  `json:"stored_size"`
	IsCompressed bool   `json:"is_compressed"`
	ContentHash  []byte `json:"content_hash,omitempty"`
}

type RestoreRequest struct {
	Path      string `json:"path"`
	VersionID int64  `json:"version_id"`
}

// RestoreChunk is one element of the streamed restore response body,
// ordered by Sequence.
type RestoreChunk struct {
	Sequence int      `json:"sequence"`
	Record   []byte   `json:"record"`
	Hash     [32]byte `json:"hash"`
}

type RestoreResponse struct {
	Chunks []RestoreChunk `json:"chunks"`
}

type DeleteVersionRequest struct {
	VersionID int64 `json:"version_id"`
}

type DeleteVersionResponse struct{}

type GCRequest struct {
	RetentionSeconds int64 `json:"retention_seconds"`
	DryRun           bool  `json:"dry_run"`
}

type GCResponse struct {
	ExpiredVersions int   `json:"expired_versions"`
	FreedBlocks     int   `json:"freed_blocks"`
	FreedBytes      int64 `json:"freed_bytes"`
	// Signature is an Ed25519 signature over the GC receipt, mirroring
	// CommitVersionResponse.Signature.
	Signature []byte `json:"signature,omitempty"`
}

type StatsRequest struct{}

type StatsResponse struct {
	FileCount        int64 `json:"file_count"`
	VersionCount     int64 `json:"version_count"`
	ChunkCount       int64 `json:"chunk_count"`
	TotalStoredBytes int64 `json:"total_stored_bytes"`
}

// ErrorResponse is sent in place of the normal response body when a
// handler fails; the opcode byte of the frame carrying it is OpError.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// OpError marks a frame whose body is an ErrorResponse rather than the
// opcode's normal response. It is issued by the dispatcher, never by a
// client.
const OpError Opcode = 0xFF
