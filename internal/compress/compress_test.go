package compress

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestEncodeDecode_CompressibleText(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog\n", 500)
	record, err := Encode([]byte(text), ShouldAttempt("notes.txt"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if Flag(record[0]) != FlagGzip {
		t.Fatalf("expected highly compressible text to use FlagGzip, got %#x", record[0])
	}

	decoded, err := Decode(record)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(decoded) != text {
		t.Error("round-tripped content does not match original")
	}
}

func TestEncodeDecode_IncompressibleRandom(t *testing.T) {
	data := make([]byte, 16*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating random data: %v", err)
	}

	record, err := Encode(data, true)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if Flag(record[0]) != FlagPlain {
		t.Fatalf("expected incompressible random data to use FlagPlain, got %#x", record[0])
	}

	decoded, err := Decode(record)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Error("round-tripped content does not match original")
	}
}

func TestEncode_AttemptFalseAlwaysPlain(t *testing.T) {
	text := strings.Repeat("a", 10000)
	record, err := Encode([]byte(text), false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if Flag(record[0]) != FlagPlain {
		t.Fatalf("expected attempt=false to force FlagPlain, got %#x", record[0])
	}
}

func TestDecode_UnknownFlag(t *testing.T) {
	_, err := Decode([]byte{0xFF, 'x'})
	if err == nil {
		t.Fatal("expected an error for an unrecognized flag byte")
	}
}

func TestDecode_Empty(t *testing.T) {
	_, err := Decode(nil)
	if err == nil {
		t.Fatal("expected an error for an empty record")
	}
}

func TestShouldAttempt(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"a.txt", true},
		{"a.json", true},
		{"a.csv", true},
		{"a.bin", true}, // unknown extension: attempt and measure
		{"noext", true},
	}
	for _, c := range cases {
		if got := ShouldAttempt(c.path); got != c.want {
			t.Errorf("ShouldAttempt(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}
