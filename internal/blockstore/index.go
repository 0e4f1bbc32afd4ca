package blockstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var bucketBlocks = []byte("blocks")

// Index is a BoltDB-backed existence cache sitting in front of the
// filesystem CAS, so the hot path of probe (up to 1024 hashes per request)
// avoids a stat() per candidate hash. It is an accelerator: Store.Iter and
// audit always trust the filesystem, never the index.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (creating if absent) the BoltDB existence index at path.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening block index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlocks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing block index bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying BoltDB handle.
func (i *Index) Close() error {
	return i.db.Close()
}

// Lookup reports whether hash is known to be present, and whether the index
// holds an opinion at all (ok=false means consult the filesystem).
func (i *Index) Lookup(hash [32]byte) (present, ok bool) {
	_ = i.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(hash[:])
		ok = v != nil
		present = ok
		return nil
	})
	return present, ok
}

// MarkPresent records hash as present in the index. The value is the
// observation time, useful when eyeballing the index with a bolt browser;
// lookups only care about key membership.
func (i *Index) MarkPresent(hash [32]byte) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
		return tx.Bucket(bucketBlocks).Put(hash[:], buf)
	})
}

// MarkAbsent removes hash from the index, called after Unlink.
func (i *Index) MarkAbsent(hash [32]byte) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Delete(hash[:])
	})
}

// Rebuild clears the index and repopulates it from the filesystem-authoritative
// Store, used by `audit --repair` to recover from a stale or corrupted index.
func (i *Index) Rebuild(store *Store) error {
	if err := i.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketBlocks); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketBlocks)
		return err
	}); err != nil {
		return fmt.Errorf("clearing block index: %w", err)
	}

	return store.Iter(func(hash [32]byte) error {
		return i.MarkPresent(hash)
	})
}
