package chunker

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"
)

func testParams() Params {
	return Params{Window: 48, Min: 256, Avg: 1024, Max: 8192}
}

func TestSplit_Deterministic(t *testing.T) {
	data := make([]byte, 256*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating random data: %v", err)
	}

	c := New(testParams())
	metas1, err := c.Split(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("first split failed: %v", err)
	}
	metas2, err := c.Split(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("second split failed: %v", err)
	}

	if len(metas1) != len(metas2) {
		t.Fatalf("chunk counts differ: %d vs %d", len(metas1), len(metas2))
	}
	for i := range metas1 {
		if metas1[i] != metas2[i] {
			t.Fatalf("chunk %d differs: %+v vs %+v", i, metas1[i], metas2[i])
		}
	}
}

func TestSplit_BoundsRespected(t *testing.T) {
	params := testParams()
	data := make([]byte, 512*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating random data: %v", err)
	}

	c := New(params)
	metas, err := c.Split(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(metas) == 0 {
		t.Fatal("expected at least one chunk")
	}

	var total int64
	for i, m := range metas {
		if m.Length > params.Max {
			t.Errorf("chunk %d length %d exceeds max %d", i, m.Length, params.Max)
		}
		isLast := i == len(metas)-1
		if !isLast && m.Length < params.Min {
			t.Errorf("non-final chunk %d length %d below min %d", i, m.Length, params.Min)
		}
		if m.Offset != total {
			t.Errorf("chunk %d offset %d, expected %d", i, m.Offset, total)
		}
		total += int64(m.Length)
	}
	if total != int64(len(data)) {
		t.Errorf("chunk lengths sum to %d, expected %d", total, len(data))
	}
}

func TestSplit_HashesMatchContent(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeated many times to exceed the minimum chunk size reliably across every boundary test case in this table")
	for i := 0; i < 10; i++ {
		data = append(data, data...)
	}

	c := New(testParams())
	var reconstructed bytes.Buffer
	metas, err := c.Split(bytes.NewReader(data), func(m ChunkMeta, chunk []byte) error {
		if sha256.Sum256(chunk) != m.Hash {
			t.Errorf("chunk at offset %d has mismatched hash", m.Offset)
		}
		reconstructed.Write(chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(metas) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if !bytes.Equal(reconstructed.Bytes(), data) {
		t.Error("reconstructed content does not match original")
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	c := New(testParams())
	metas, err := c.Split(bytes.NewReader(nil), nil)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(metas) != 0 {
		t.Errorf("expected no chunks for empty input, got %d", len(metas))
	}
}

func TestSplit_ShorterThanMin(t *testing.T) {
	params := testParams()
	data := make([]byte, params.Min/2)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating random data: %v", err)
	}

	c := New(params)
	metas, err := c.Split(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected exactly 1 short final chunk, got %d", len(metas))
	}
	if metas[0].Length != len(data) {
		t.Errorf("expected chunk length %d, got %d", len(data), metas[0].Length)
	}
}

func TestSplit_DedupAcrossAlignedRuns(t *testing.T) {
	params := testParams()
	shared := make([]byte, 64*1024)
	if _, err := rand.Read(shared); err != nil {
		t.Fatalf("generating shared data: %v", err)
	}
	prefixA := make([]byte, 4096)
	prefixB := make([]byte, 4096)
	rand.Read(prefixA)
	rand.Read(prefixB)

	fileA := append(append([]byte{}, prefixA...), shared...)
	fileB := append(append([]byte{}, prefixB...), shared...)

	c := New(params)
	metasA, err := c.Split(bytes.NewReader(fileA), nil)
	if err != nil {
		t.Fatalf("split fileA failed: %v", err)
	}
	metasB, err := c.Split(bytes.NewReader(fileB), nil)
	if err != nil {
		t.Fatalf("split fileB failed: %v", err)
	}

	hashesA := make(map[[32]byte]bool, len(metasA))
	for _, m := range metasA {
		hashesA[m.Hash] = true
	}
	sharedCount := 0
	for _, m := range metasB {
		if hashesA[m.Hash] {
			sharedCount++
		}
	}
	if sharedCount == 0 {
		t.Error("expected at least one chunk hash shared between files with a common suffix")
	}
}

func TestSplit_ReaderError(t *testing.T) {
	c := New(testParams())
	_, err := c.Split(errReader{}, nil)
	if err == nil {
		t.Fatal("expected an error from a failing reader")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, io.ErrClosedPipe
}
