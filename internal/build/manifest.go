package build

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Manifest is a purely informational, zstd-compressed sidecar next to
// the binary .mref — never consulted for integrity, recording what the
// build pipeline did for operators inspecting a deployment.
type Manifest struct {
	ChunkSize  uint64        `json:"chunk_size"`
	LeafCount  uint32        `json:"leaf_count"`
	Cap        uint32        `json:"cap"`
	Workers    int           `json:"workers"`
	BuildTook  time.Duration `json:"build_took_ns"`
	SourcePath string        `json:"source_path"`
}

// WriteManifest zstd-compresses m as JSON to path (conventionally
// "<ref path>.manifest.json.zst").
func WriteManifest(m Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("mafile: marshal build manifest: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("mafile: create zstd encoder: %w", err)
	}
	defer enc.Close()

	compressed := enc.EncodeAll(data, nil)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("mafile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("mafile: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// ReadManifest decompresses and parses a manifest previously written by
// WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	compressed, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("mafile: read %s: %w", path, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return m, fmt.Errorf("mafile: create zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return m, fmt.Errorf("mafile: decompress %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("mafile: parse %s: %w", path, err)
	}
	return m, nil
}
