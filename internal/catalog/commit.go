package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/killianrms/sauvegarde/internal/apperrors"
)

// CommitInput describes one version commit: the full chunk list a new file
// version references, already-stored chunks included.
type CommitInput struct {
	Path         string
	Action       Action
	PlainSize    int64
	StoredSize   int64
	IsCompressed bool
	ContentHash  []byte // nil for ActionDeleted
	Chunks       []VersionChunkInput
}

// BlockExists is satisfied by the block store's Exists method. Catalog takes
// it as a narrow interface rather than importing blockstore, so the two
// packages have no cyclic dependency.
type BlockExists func(hash [32]byte) bool

const maxTimestampRegenerations = 3

// Commit executes the five-step version-commit protocol inside one
// transaction: resolve-or-create the File, insert the Version, upsert each
// Chunk and its VersionChunk edge while bumping refcount, update the File's
// last_action/current_size, and commit. It returns the new version_id.
//
// Versions are append-only and unique on (path, timestamp); on a collision
// Commit regenerates the timestamp and retries up to
// maxTimestampRegenerations times before surfacing ErrCatalogConflict.
func (c *Catalog) Commit(in CommitInput, exists BlockExists) (versionID int64, err error) {
	if in.Action != ActionDeleted && in.ContentHash == nil {
		return 0, fmt.Errorf("%w: non-delete commit for %s requires a content hash", apperrors.ErrMalformedRecord, in.Path)
	}
	if in.Action == ActionDeleted && len(in.Chunks) > 0 {
		return 0, fmt.Errorf("%w: delete commit for %s must carry no chunks", apperrors.ErrMalformedRecord, in.Path)
	}

	for attempt := 0; attempt <= maxTimestampRegenerations; attempt++ {
		versionID, err = c.commitOnce(in, exists, time.Now().UTC())
		if err == nil {
			return versionID, nil
		}
		if !isUniqueConstraintErr(err) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: (path, timestamp) collision for %s after %d attempts", apperrors.ErrCatalogConflict, in.Path, maxTimestampRegenerations+1)
}

func (c *Catalog) commitOnce(in CommitInput, exists BlockExists, timestamp time.Time) (int64, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	// Step 1: resolve or create the File row. A tombstoned file is revived
	// by any non-delete commit.
	if err := upsertFile(tx, in.Path, timestamp); err != nil {
		return 0, err
	}

	// Step 2: insert the Version row. A unique-constraint violation here
	// means the (path, timestamp) pair is taken; the caller regenerates.
	isCompressed := 0
	if in.IsCompressed {
		isCompressed = 1
	}
	res, err := tx.Exec(
		`INSERT INTO versions (path, timestamp, action, plain_size, stored_size, is_compressed, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.Path, timestamp.UnixMicro(), string(in.Action), in.PlainSize, in.StoredSize, isCompressed, in.ContentHash,
	)
	if err != nil {
		return 0, err // may be a unique-constraint error; caller inspects it
	}
	versionID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new version id: %w", err)
	}

	// Step 3: for each contributed chunk, verify the block exists, upsert
	// its Chunk row, insert the VersionChunk edge, and bump refcount.
	for _, vc := range in.Chunks {
		if !exists(vc.ChunkHash) {
			return 0, fmt.Errorf("%w: chunk %x for %s", apperrors.ErrMissingBlock, vc.ChunkHash, in.Path)
		}
		if err := upsertChunk(tx, vc, timestamp); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(
			`INSERT INTO version_chunks (version_id, sequence, chunk_hash, offset, length) VALUES (?, ?, ?, ?, ?)`,
			versionID, vc.Sequence, vc.ChunkHash[:], vc.Offset, vc.Length,
		); err != nil {
			return 0, fmt.Errorf("inserting version_chunk: %w", err)
		}
		if _, err := tx.Exec(`UPDATE chunks SET refcount = refcount + 1 WHERE chunk_hash = ?`, vc.ChunkHash[:]); err != nil {
			return 0, fmt.Errorf("incrementing chunk refcount: %w", err)
		}
	}

	// Step 4: update the File's last_action and current_size.
	if _, err := tx.Exec(
		`UPDATE files SET last_action = ?, current_size = ? WHERE path = ?`,
		string(in.Action), in.PlainSize, in.Path,
	); err != nil {
		return 0, fmt.Errorf("updating file state: %w", err)
	}

	// Step 5: commit.
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing version transaction: %w", err)
	}
	return versionID, nil
}

func upsertFile(tx *sql.Tx, path string, timestamp time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO files (path, first_seen_at, last_action, current_size)
		 VALUES (?, ?, 'created', 0)
		 ON CONFLICT(path) DO NOTHING`,
		path, timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("resolving file row: %w", err)
	}
	return nil
}

func upsertChunk(tx *sql.Tx, vc VersionChunkInput, timestamp time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO chunks (chunk_hash, plain_size, stored_size, refcount, created_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(chunk_hash) DO NOTHING`,
		vc.ChunkHash[:], vc.PlainSize, vc.StoredSize, timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("upserting chunk: %w", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
