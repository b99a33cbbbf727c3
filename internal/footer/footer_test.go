package footer

import (
	"crypto/sha256"
	"testing"

	"github.com/mafile/mafile/internal/hashengine"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	preceding := []byte("hash array bytes and bitset bytes go here")

	f := Footer{
		ChunkSize:        256,
		TotalContentSize: 1000,
		LeafCount:        4,
		Cap:              4,
		HashArrayOffset:  0,
		HashArrayLength:  uint64(len(preceding)),
		BitsetOffset:     0,
		BitsetLength:     0,
	}

	file := append([]byte{}, preceding...)
	file = Encode(file, f, preceding)

	got, bodyStart, err := Decode(file)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if bodyStart != len(preceding) {
		t.Errorf("bodyStart = %d, want %d", bodyStart, len(preceding))
	}
	if got.ChunkSize != f.ChunkSize || got.TotalContentSize != f.TotalContentSize ||
		got.LeafCount != f.LeafCount || got.Cap != f.Cap {
		t.Errorf("decoded footer = %+v, want fields matching %+v", got, f)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	preceding := []byte("data")
	file := append([]byte{}, preceding...)
	file = Encode(file, Footer{}, preceding)

	// Corrupt the magic bytes, which sit at the start of the footer body.
	bodyStart := len(preceding)
	file[bodyStart] = 'X'

	if _, _, err := Decode(file); err == nil {
		t.Fatal("expected error for corrupted magic")
	}
}

func TestDecodeRejectsTamperedPreceding(t *testing.T) {
	preceding := []byte("original bytes")
	file := append([]byte{}, preceding...)
	file = Encode(file, Footer{}, preceding)

	file[0] ^= 0xFF // tamper with a preceding byte after the digest is computed

	if _, _, err := Decode(file); err == nil {
		t.Fatal("expected digest mismatch error")
	}
}

func TestDecodeRejectsEmptyFile(t *testing.T) {
	if _, _, err := Decode(nil); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestFooterDigestCoversExactlyPreceding(t *testing.T) {
	preceding := []byte("12345")
	f := Footer{ChunkSize: 1, Cap: 1}
	file := Encode(append([]byte{}, preceding...), f, preceding)

	decoded, _, err := Decode(file)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.FooterDigest == (hashengine.Hash{}) {
		t.Error("FooterDigest should not be the zero hash for non-empty preceding bytes")
	}
	if want := hashengine.Hash(sha256.Sum256(preceding)); decoded.FooterDigest != want {
		t.Errorf("FooterDigest = %x, want SHA-256 of the preceding bytes %x", decoded.FooterDigest, want)
	}
}
