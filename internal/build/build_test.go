package build

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mafile/mafile/internal/hashengine"
	"github.com/mafile/mafile/internal/merkleref"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Printf(format string, args ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func TestFromFile_MatchesDirectHashing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	chunkSize := uint64(16)
	data := make([]byte, chunkSize*5+3) // 5 full chunks + 1 short chunk
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	var lastHashed, lastTotal uint32
	result, err := FromFile(path, Options{
		ChunkSize: chunkSize,
		Workers:   3,
		Observer: func(hashed, total uint32) {
			lastHashed, lastTotal = hashed, total
		},
	})
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}

	if lastHashed != lastTotal {
		t.Fatalf("observer final call = (%d,%d), want equal", lastHashed, lastTotal)
	}

	s := result.Shape
	for c := uint32(0); c < s.LeafCount; c++ {
		start, end := s.ChunkByteRange(c)
		want := sha256.Sum256(data[start:end])
		got := result.Ref.Hash(s.LeafNodeOf(c))
		if hashengine.Hash(want) != got {
			t.Fatalf("chunk %d hash mismatch", c)
		}
	}

	if err := result.Ref.VerifyInternal(); err != nil {
		t.Fatalf("VerifyInternal: %v", err)
	}
}

func TestFromFile_SaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "data.bin")
	refPath := filepath.Join(dir, "data.mref")

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := os.WriteFile(srcPath, data, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	result, err := FromFile(srcPath, Options{ChunkSize: 64})
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if err := result.Ref.Save(refPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := merkleref.LoadVerified(refPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RootHash() != result.Ref.RootHash() {
		t.Fatalf("root hash mismatch after roundtrip")
	}
}

func TestFromFile_LogsProgressWithCorrelationToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	data := make([]byte, 256*5)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	logger := &recordingLogger{}
	_, err := FromFile(path, Options{ChunkSize: 256, Logger: logger, LogEvery: 2})
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}

	if len(logger.lines) == 0 {
		t.Fatal("expected at least one progress log line")
	}

	wantToken := CorrelationToken(path, 256)
	for _, line := range logger.lines {
		if !contains(line, wantToken) {
			t.Fatalf("log line %q does not contain correlation token %q", line, wantToken)
		}
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestWriteReadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.mref.manifest.json.zst")

	m := Manifest{ChunkSize: 1024, LeafCount: 10, Cap: 16, Workers: 4, SourcePath: "data.bin"}
	if err := WriteManifest(m, path); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	got, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got != m {
		t.Fatalf("roundtrip manifest = %+v, want %+v", got, m)
	}
}
