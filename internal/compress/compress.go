// Package compress applies an optional GZIP layer to plaintext chunks
// before encryption. The decision is keyed by a one-byte flag prefixed to
// the record so decompression at restore time never needs to re-run the
// heuristic.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Flag identifies whether a record's payload is stored plain or gzipped. It
// is the first byte of the pre-encryption record.
type Flag byte

const (
	FlagPlain Flag = 0x00
	FlagGzip  Flag = 0x01
)

// minReductionRatio is the minimum fractional size reduction gzip must
// achieve for its output to be kept.
const minReductionRatio = 0.05

// compressibleExt is the known-compressible MIME-category set, keyed by
// file extension. Absent an extension hint, compression is attempted
// anyway and the size threshold decides.
var compressibleExt = map[string]bool{
	".txt":  true,
	".md":   true,
	".log":  true,
	".csv":  true,
	".json": true,
	".xml":  true,
	".yaml": true,
	".yml":  true,
	".toml": true,
	".ini":  true,
	".go":   true,
	".py":   true,
	".js":   true,
	".ts":   true,
	".java": true,
	".c":    true,
	".h":    true,
	".cpp":  true,
	".rs":   true,
	".sh":   true,
	".html": true,
	".css":  true,
	".sql":  true,
}

// ShouldAttempt reports whether a chunk from a file at path should be
// offered to gzip at all: compress known-text categories, and also
// anything with no recognized extension (erring toward attempting and
// measuring, not skipping).
func ShouldAttempt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return true
	}
	compressible, known := compressibleExt[ext]
	return !known || compressible
}

// Encode produces the flag-prefixed, possibly-compressed record for
// plaintext. It gzips plaintext first when attempt is true, keeping the
// gzip form only if it is at least minReductionRatio smaller; otherwise (or
// when attempt is false) it stores plaintext with FlagPlain.
func Encode(plaintext []byte, attempt bool) ([]byte, error) {
	if attempt {
		compressed, err := gzipBytes(plaintext)
		if err != nil {
			return nil, fmt.Errorf("compressing record: %w", err)
		}
		if len(plaintext) > 0 && float64(len(plaintext)-len(compressed))/float64(len(plaintext)) >= minReductionRatio {
			return append([]byte{byte(FlagGzip)}, compressed...), nil
		}
	}
	return append([]byte{byte(FlagPlain)}, plaintext...), nil
}

// Decode strips the flag byte and gunzips the payload if FlagGzip was set.
func Decode(record []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, fmt.Errorf("decoding compress record: empty record")
	}
	flag, payload := Flag(record[0]), record[1:]
	switch flag {
	case FlagPlain:
		return payload, nil
	case FlagGzip:
		return gunzipBytes(payload)
	default:
		return nil, fmt.Errorf("decoding compress record: unknown flag %#x", record[0])
	}
}

func gzipBytes(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("opening gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gzip payload: %w", err)
	}
	return out, nil
}
