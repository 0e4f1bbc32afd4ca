package delta

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/killianrms/sauvegarde/internal/apperrors"
	"github.com/killianrms/sauvegarde/internal/compress"
	"github.com/killianrms/sauvegarde/internal/crypto"
)

// SealedChunk is one sequenced sealed record returned by the restore RPC.
// Hash is the chunk's announced plaintext hash, carried alongside the
// record so Reassemble can verify it: put_chunk cannot be verified
// server-side since the record is encrypted, so the check happens here, at
// restore time.
type SealedChunk struct {
	Sequence int
	Record   []byte
	Hash     [32]byte
}

// Reassemble decrypts, decompresses and concatenates chunks in sequence
// order — the client side of a restore. A chunk whose AEAD tag fails to
// verify aborts the whole restore with AuthFailure; the block is
// unrecoverable. A chunk whose decoded plaintext does not hash to its
// announced Hash aborts with HashMismatch: put_chunk stores by announced
// hash without server-side verification, so a corrupted or
// incorrectly-announced upload is only caught here.
func Reassemble(key []byte, chunks []SealedChunk) ([]byte, error) {
	ordered := make([]SealedChunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	var out []byte
	for _, c := range ordered {
		plaintext, err := crypto.Open(key, c.Record)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk sequence %d: %v", apperrors.ErrAuthFailure, c.Sequence, err)
		}
		decoded, err := compress.Decode(plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk sequence %d: %v", apperrors.ErrMalformedRecord, c.Sequence, err)
		}
		if c.Hash != (sha256.Sum256(decoded)) {
			return nil, fmt.Errorf("%w: chunk sequence %d", apperrors.ErrHashMismatch, c.Sequence)
		}
		out = append(out, decoded...)
	}
	return out, nil
}
