package blockstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
)

// Parity adds Reed-Solomon erasure-coded redundancy shards alongside blocks
// written through the primary Store. This is additive local resilience
// against bit rot or truncation of a single block file — it is never
// consulted by Get, and never a substitute for the referential guarantees
// the catalog and primary block already provide.
type Parity struct {
	root string
	k, r int
	rs   reedsolomon.Encoder
}

// OpenParity roots a Parity layer at <repo_root>/parity, splitting each
// block into k data shards plus r parity shards.
func OpenParity(repoRoot string, k, r int) (*Parity, error) {
	rs, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	root := filepath.Join(repoRoot, "parity")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating parity directory: %w", err)
	}
	return &Parity{root: root, k: k, r: r, rs: rs}, nil
}

func (p *Parity) pathFor(hash [32]byte) string {
	hexHash := fmt.Sprintf("%x", hash)
	return filepath.Join(p.root, hexHash[:2], hexHash[2:4], hexHash+".parity")
}

// Write computes and persists the parity shards for a block's record. It is
// called after the primary block is durably installed, and failure to write
// parity shards never blocks the primary put_if_absent from succeeding.
func (p *Parity) Write(hash [32]byte, record []byte) error {
	shards, err := splitShards(record, p.k, p.r)
	if err != nil {
		return fmt.Errorf("splitting shards: %w", err)
	}
	if err := p.rs.Encode(shards); err != nil {
		return fmt.Errorf("encoding parity shards: %w", err)
	}

	dest := p.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating parity shard directory: %w", err)
	}

	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(record)))
	for _, shard := range shards[p.k:] {
		buf = append(buf, shard...)
	}
	return os.WriteFile(dest, buf, 0o644)
}

// Salvage rebuilds a block's record given whatever bytes of the primary
// block file survive — primary may be truncated or nil entirely. The shard
// geometry is derived from the persisted parity file, complete shards are
// cut from the primary prefix, and the rest are declared missing for
// Reconstruct to fill. Used only by `audit --repair`
// (internal/retention.Repair).
func (p *Parity) Salvage(hash [32]byte, primary []byte) ([]byte, error) {
	stored, err := os.ReadFile(p.pathFor(hash))
	if err != nil {
		return nil, fmt.Errorf("reading parity shards: %w", err)
	}
	if len(stored) < 4 {
		return nil, fmt.Errorf("parity shard file too short")
	}
	shardSize := len(stored[4:]) / p.r

	dataShards := make([][]byte, p.k)
	for i := 0; i < p.k; i++ {
		if len(primary) >= (i+1)*shardSize {
			dataShards[i] = primary[i*shardSize : (i+1)*shardSize]
		}
	}
	return p.Reconstruct(hash, dataShards)
}

// Reconstruct rebuilds a block's record from its data shards (some of which
// may be nil/corrupted, up to r of them) plus the persisted parity shards.
// Used only by `audit --repair`.
func (p *Parity) Reconstruct(hash [32]byte, dataShards [][]byte) ([]byte, error) {
	stored, err := os.ReadFile(p.pathFor(hash))
	if err != nil {
		return nil, fmt.Errorf("reading parity shards: %w", err)
	}
	if len(stored) < 4 {
		return nil, fmt.Errorf("parity shard file too short")
	}
	recordLen := int(binary.LittleEndian.Uint32(stored[:4]))
	parityBlob := stored[4:]

	shardSize := len(parityBlob) / p.r
	all := make([][]byte, p.k+p.r)
	copy(all, dataShards)
	for i := 0; i < p.r; i++ {
		all[p.k+i] = parityBlob[i*shardSize : (i+1)*shardSize]
	}

	if err := p.rs.Reconstruct(all); err != nil {
		return nil, fmt.Errorf("reconstructing block: %w", err)
	}

	var record []byte
	for _, shard := range all[:p.k] {
		record = append(record, shard...)
	}
	if len(record) < recordLen {
		return nil, fmt.Errorf("reconstructed record shorter than recorded length")
	}
	return record[:recordLen], nil
}

// splitShards pads record to a multiple of k and splits it into k
// equal-size data shards plus r empty parity shards for Encode to fill.
func splitShards(record []byte, k, r int) ([][]byte, error) {
	shardSize := (len(record) + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}
	padded := make([]byte, shardSize*k)
	copy(padded, record)

	shards := make([][]byte, k+r)
	for i := 0; i < k; i++ {
		shards[i] = padded[i*shardSize : (i+1)*shardSize]
	}
	for i := 0; i < r; i++ {
		shards[k+i] = make([]byte, shardSize)
	}
	return shards, nil
}
