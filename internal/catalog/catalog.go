// Package catalog is the transactional metadata store for files, versions,
// chunks and the version/chunk graph, backed by modernc.org/sqlite in WAL
// mode.
package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/killianrms/sauvegarde/internal/apperrors"
)

// Action is one of the three lifecycle actions a Version may record.
type Action string

const (
	ActionCreated  Action = "created"
	ActionModified Action = "modified"
	ActionDeleted  Action = "deleted"
)

// File is a repository-relative path with its most recent lifecycle state.
type File struct {
	Path        string
	FirstSeenAt time.Time
	LastAction  Action
	CurrentSize int64
}

// Version is an immutable, timestamped snapshot of one File.
type Version struct {
	VersionID    int64
	Path         string
	Timestamp    time.Time
	Action       Action
	PlainSize    int64
	StoredSize   int64
	IsCompressed bool
	ContentHash  []byte // nil for ActionDeleted
}

// Chunk is a content-addressed block's catalog row.
type Chunk struct {
	ChunkHash  [32]byte
	PlainSize  int64
	StoredSize int64
	Refcount   int64
	CreatedAt  time.Time
}

// VersionChunkInput is one ordered edge contributed by a commit.
type VersionChunkInput struct {
	Sequence   int
	ChunkHash  [32]byte
	Offset     int64
	Length     int64
	PlainSize  int64
	StoredSize int64
}

// VersionChunk is a stored Version-to-Chunk edge.
type VersionChunk struct {
	VersionID int64
	Sequence  int
	ChunkHash [32]byte
	Offset    int64
	Length    int64
}

// Catalog wraps the SQLite connection. All mutating methods run inside a
// single sql.Tx, so a crash mid-operation never leaves partial state —
// either {Version, VersionChunks, chunk refcount increments} all land, or
// none do.
type Catalog struct {
	db *sql.DB
}

// Open opens (and if absent, initializes) the catalog database at path in
// WAL mode.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			first_seen_at INTEGER NOT NULL,
			last_action TEXT NOT NULL,
			current_size INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS versions (
			version_id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			action TEXT NOT NULL,
			plain_size INTEGER NOT NULL,
			stored_size INTEGER NOT NULL,
			is_compressed INTEGER NOT NULL,
			content_hash BLOB,
			FOREIGN KEY (path) REFERENCES files(path)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_path_timestamp
			ON versions(path, timestamp);

		CREATE TABLE IF NOT EXISTS chunks (
			chunk_hash BLOB PRIMARY KEY,
			plain_size INTEGER NOT NULL,
			stored_size INTEGER NOT NULL,
			refcount INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS version_chunks (
			version_id INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			chunk_hash BLOB NOT NULL,
			offset INTEGER NOT NULL,
			length INTEGER NOT NULL,
			PRIMARY KEY (version_id, sequence),
			FOREIGN KEY (version_id) REFERENCES versions(version_id),
			FOREIGN KEY (chunk_hash) REFERENCES chunks(chunk_hash)
		);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing catalog schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// GetFile returns the File row for path, or ErrNotFound.
func (c *Catalog) GetFile(path string) (*File, error) {
	return getFile(c.db, path)
}

func getFile(q queryer, path string) (*File, error) {
	var f File
	var firstSeen int64
	var lastAction string
	err := q.QueryRow(
		`SELECT path, first_seen_at, last_action, current_size FROM files WHERE path = ?`,
		path,
	).Scan(&f.Path, &firstSeen, &lastAction, &f.CurrentSize)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: file %s", apperrors.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("querying file: %w", err)
	}
	f.FirstSeenAt = time.UnixMicro(firstSeen).UTC()
	f.LastAction = Action(lastAction)
	return &f, nil
}

// ListFiles returns every File row, ordered by path.
func (c *Catalog) ListFiles() ([]File, error) {
	rows, err := c.db.Query(`SELECT path, first_seen_at, last_action, current_size FROM files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		var firstSeen int64
		var lastAction string
		if err := rows.Scan(&f.Path, &firstSeen, &lastAction, &f.CurrentSize); err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		f.FirstSeenAt = time.UnixMicro(firstSeen).UTC()
		f.LastAction = Action(lastAction)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListVersions returns every Version row for path, ordered by timestamp.
func (c *Catalog) ListVersions(path string) ([]Version, error) {
	rows, err := c.db.Query(
		`SELECT version_id, path, timestamp, action, plain_size, stored_size, is_compressed, content_hash
		 FROM versions WHERE path = ? ORDER BY timestamp`,
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

func scanVersions(rows *sql.Rows) ([]Version, error) {
	var out []Version
	for rows.Next() {
		v, err := scanVersionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersionRow(rows *sql.Rows) (Version, error) {
	var v Version
	var ts int64
	var action string
	var isCompressed int
	var contentHash []byte
	if err := rows.Scan(&v.VersionID, &v.Path, &ts, &action, &v.PlainSize, &v.StoredSize, &isCompressed, &contentHash); err != nil {
		return Version{}, fmt.Errorf("scanning version row: %w", err)
	}
	v.Timestamp = time.UnixMicro(ts).UTC()
	v.Action = Action(action)
	v.IsCompressed = isCompressed != 0
	v.ContentHash = contentHash
	return v, nil
}

// GetVersionChunks returns the ordered VersionChunk rows for a version_id.
func (c *Catalog) GetVersionChunks(versionID int64) ([]VersionChunk, error) {
	rows, err := c.db.Query(
		`SELECT version_id, sequence, chunk_hash, offset, length
		 FROM version_chunks WHERE version_id = ? ORDER BY sequence`,
		versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying version chunks: %w", err)
	}
	defer rows.Close()

	var out []VersionChunk
	for rows.Next() {
		var vc VersionChunk
		var hashBytes []byte
		if err := rows.Scan(&vc.VersionID, &vc.Sequence, &hashBytes, &vc.Offset, &vc.Length); err != nil {
			return nil, fmt.Errorf("scanning version chunk row: %w", err)
		}
		copy(vc.ChunkHash[:], hashBytes)
		out = append(out, vc)
	}
	return out, rows.Err()
}

// ChunkSizes returns the recorded stored_size for every hash in hashes that
// already has a Chunk row. Hashes with no row are simply absent from the
// result — callers use this to learn the on-disk size of chunks a probe
// found already present, since Version.stored_size sums over every
// referenced chunk, not just newly-uploaded ones.
func (c *Catalog) ChunkSizes(hashes [][32]byte) (map[[32]byte]int64, error) {
	out := make(map[[32]byte]int64, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	placeholders := make([]byte, 0, len(hashes)*2)
	args := make([]interface{}, len(hashes))
	for i, h := range hashes {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		hb := h
		args[i] = hb[:]
	}
	rows, err := c.db.Query(
		fmt.Sprintf(`SELECT chunk_hash, stored_size FROM chunks WHERE chunk_hash IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chunk sizes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hashBytes []byte
		var size int64
		if err := rows.Scan(&hashBytes, &size); err != nil {
			return nil, fmt.Errorf("scanning chunk size row: %w", err)
		}
		var h [32]byte
		copy(h[:], hashBytes)
		out[h] = size
	}
	return out, rows.Err()
}

// Stats aggregates repository-wide counters for the `stats` RPC.
type Stats struct {
	FileCount        int64
	VersionCount     int64
	ChunkCount       int64
	TotalStoredBytes int64
}

// Stats computes aggregate repository statistics, a pure read.
func (c *Catalog) Stats() (Stats, error) {
	var s Stats
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&s.FileCount); err != nil {
		return Stats{}, fmt.Errorf("counting files: %w", err)
	}
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM versions`).Scan(&s.VersionCount); err != nil {
		return Stats{}, fmt.Errorf("counting versions: %w", err)
	}
	if err := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(stored_size), 0) FROM chunks`).Scan(&s.ChunkCount, &s.TotalStoredBytes); err != nil {
		return Stats{}, fmt.Errorf("aggregating chunks: %w", err)
	}
	return s, nil
}

// queryer abstracts *sql.DB/*sql.Tx for helpers shared between plain reads
// and in-transaction reads.
type queryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}
