package blockstore

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestPutIfAbsent_GetRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	record := []byte("sealed-record-bytes")
	hash := sha256.Sum256(record)

	wrote, err := store.PutIfAbsent(hash, record)
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if !wrote {
		t.Fatal("expected first PutIfAbsent to write")
	}

	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(record) {
		t.Error("round-tripped record does not match original")
	}

	if !store.Exists(hash) {
		t.Error("expected Exists to report true after PutIfAbsent")
	}
}

func TestPutIfAbsent_SecondCallIsNoop(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	record := []byte("some content")
	hash := sha256.Sum256(record)

	if _, err := store.PutIfAbsent(hash, record); err != nil {
		t.Fatalf("first PutIfAbsent failed: %v", err)
	}
	wrote, err := store.PutIfAbsent(hash, []byte("different content, ignored"))
	if err != nil {
		t.Fatalf("second PutIfAbsent failed: %v", err)
	}
	if wrote {
		t.Error("expected second PutIfAbsent for same hash to be a no-op")
	}

	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(record) {
		t.Error("second PutIfAbsent must not overwrite the original record")
	}
}

func TestPutIfAbsent_ConcurrentSameHash(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	record := []byte("concurrent content")
	hash := sha256.Sum256(record)

	const concurrency = 16
	var wg sync.WaitGroup
	wins := make([]bool, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			wrote, err := store.PutIfAbsent(hash, record)
			if err != nil {
				t.Errorf("PutIfAbsent failed: %v", err)
				return
			}
			wins[idx] = wrote
		}(i)
	}
	wg.Wait()

	winsCount := 0
	for _, w := range wins {
		if w {
			winsCount++
		}
	}
	if winsCount != 1 {
		t.Errorf("expected exactly 1 winning write, got %d", winsCount)
	}
}

func TestGet_NotFound(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var hash [32]byte
	if _, err := store.Get(hash); err == nil {
		t.Fatal("expected ErrNotFound for a missing block")
	}
}

func TestUnlink(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	record := []byte("to be unlinked")
	hash := sha256.Sum256(record)
	if _, err := store.PutIfAbsent(hash, record); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}

	if err := store.Unlink(hash); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if store.Exists(hash) {
		t.Error("expected Exists to report false after Unlink")
	}
	if err := store.Unlink(hash); err == nil {
		t.Fatal("expected a second Unlink to fail with ErrNotFound")
	}
}

func TestIter_EnumeratesStoredBlocks(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	want := map[[32]byte]bool{}
	for i := 0; i < 5; i++ {
		record := []byte{byte(i), byte(i), byte(i)}
		hash := sha256.Sum256(record)
		if _, err := store.PutIfAbsent(hash, record); err != nil {
			t.Fatalf("PutIfAbsent failed: %v", err)
		}
		want[hash] = true
	}

	got := map[[32]byte]bool{}
	if err := store.Iter(func(hash [32]byte) error {
		got[hash] = true
		return nil
	}); err != nil {
		t.Fatalf("Iter failed: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d blocks, got %d", len(want), len(got))
	}
	for h := range want {
		if !got[h] {
			t.Errorf("missing hash %x from Iter results", h)
		}
	}
}

func TestOpen_CreatesDirectories(t *testing.T) {
	root := t.TempDir()
	if _, err := Open(root, nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, dir := range []string{"blocks", "tmp"} {
		if _, err := os.Stat(filepath.Join(root, dir)); err != nil {
			t.Errorf("expected %s to exist: %v", dir, err)
		}
	}
}
