package catalog

import (
	"fmt"
	"time"
)

// ExpiredVersion describes one Version selected for removal by Phase A.
type ExpiredVersion struct {
	VersionID int64
	Path      string
	Timestamp time.Time
}

// ExpireCandidates selects every Version older than the retention horizon,
// excluding the single most recent Version per path regardless of age — the
// latest-always rule, so no file ever becomes unrecoverable. It performs no
// mutation; callers pass the result to ExpireOne or just report it for a
// dry run.
func (c *Catalog) ExpireCandidates(horizon time.Duration) ([]ExpiredVersion, error) {
	cutoff := time.Now().Add(-horizon).UnixMicro()

	rows, err := c.db.Query(`
		SELECT v.version_id, v.path, v.timestamp
		FROM versions v
		WHERE v.timestamp < ?
		  AND v.timestamp < (SELECT MAX(timestamp) FROM versions WHERE path = v.path)
		ORDER BY v.path, v.timestamp
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting expiry candidates: %w", err)
	}
	defer rows.Close()

	var out []ExpiredVersion
	for rows.Next() {
		var ev ExpiredVersion
		var ts int64
		if err := rows.Scan(&ev.VersionID, &ev.Path, &ts); err != nil {
			return nil, fmt.Errorf("scanning expiry candidate: %w", err)
		}
		ev.Timestamp = time.UnixMicro(ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ExpireOne removes one Version inside a transaction: deletes its
// VersionChunk rows, decrements refcount on each referenced Chunk, then
// deletes the Version row.
func (c *Catalog) ExpireOne(versionID int64) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning expiry transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT chunk_hash FROM version_chunks WHERE version_id = ?`, versionID)
	if err != nil {
		return fmt.Errorf("selecting version chunks: %w", err)
	}
	var hashes [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return fmt.Errorf("scanning version chunk hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM version_chunks WHERE version_id = ?`, versionID); err != nil {
		return fmt.Errorf("deleting version chunks: %w", err)
	}
	for _, h := range hashes {
		if _, err := tx.Exec(`UPDATE chunks SET refcount = refcount - 1 WHERE chunk_hash = ?`, h); err != nil {
			return fmt.Errorf("decrementing chunk refcount: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM versions WHERE version_id = ?`, versionID); err != nil {
		return fmt.Errorf("deleting version: %w", err)
	}

	return tx.Commit()
}

// ZeroRefcountChunks selects every Chunk with refcount = 0, for Phase B.
func (c *Catalog) ZeroRefcountChunks() ([]Chunk, error) {
	rows, err := c.db.Query(`SELECT chunk_hash, plain_size, stored_size, refcount, created_at FROM chunks WHERE refcount = 0`)
	if err != nil {
		return nil, fmt.Errorf("selecting zero-refcount chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var ch Chunk
		var hashBytes []byte
		var createdAt int64
		if err := rows.Scan(&hashBytes, &ch.PlainSize, &ch.StoredSize, &ch.Refcount, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		copy(ch.ChunkHash[:], hashBytes)
		ch.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, ch)
	}
	return out, rows.Err()
}

// DeleteChunkRow removes a Chunk row inside its own transaction. The Chunk
// row must be deleted before the corresponding block file is unlinked, so a
// crash in between leaves a dangling block file (reclaimable by audit)
// rather than a dangling row referencing a missing block.
func (c *Catalog) DeleteChunkRow(hash [32]byte) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning chunk deletion transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE chunk_hash = ? AND refcount = 0`, hash[:]); err != nil {
		return fmt.Errorf("deleting chunk row: %w", err)
	}
	return tx.Commit()
}

// ChunkHashes lists every Chunk row's hash, used by the `audit` subcommand
// to detect Chunk rows with no backing block — a state the commit protocol
// never produces on its own.
func (c *Catalog) ChunkHashes() ([][32]byte, error) {
	rows, err := c.db.Query(`SELECT chunk_hash FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("listing chunk hashes: %w", err)
	}
	defer rows.Close()

	var out [][32]byte
	for rows.Next() {
		var hashBytes []byte
		if err := rows.Scan(&hashBytes); err != nil {
			return nil, fmt.Errorf("scanning chunk hash: %w", err)
		}
		var h [32]byte
		copy(h[:], hashBytes)
		out = append(out, h)
	}
	return out, rows.Err()
}
