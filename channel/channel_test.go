package channel

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mafile/mafile/internal/build"
	"github.com/mafile/mafile/internal/config"
)

func buildFixture(t *testing.T, size int, chunkSize uint64) (dir, sourcePath, refPath string, data []byte) {
	t.Helper()
	dir = t.TempDir()
	sourcePath = filepath.Join(dir, "source.bin")
	refPath = filepath.Join(dir, "source.mref")

	data = make([]byte, size)
	for i := range data {
		data[i] = byte(i * 31)
	}
	if err := os.WriteFile(sourcePath, data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	result, err := build.FromFile(sourcePath, build.Options{ChunkSize: chunkSize})
	if err != nil {
		t.Fatalf("build.FromFile: %v", err)
	}
	if err := result.Ref.Save(refPath); err != nil {
		t.Fatalf("Ref.Save: %v", err)
	}
	return dir, sourcePath, refPath, data
}

func TestChannel_ReadServesCorrectBytesAndCachesLocally(t *testing.T) {
	dir, sourcePath, refPath, data := buildFixture(t, 10000, 256)
	dataPath := filepath.Join(dir, "local.bin")
	statePath := filepath.Join(dir, "local.mrkl")

	ch, err := Open(dataPath, statePath, refPath, "file://"+sourcePath, Options{Config: config.DefaultConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	dst := make([]byte, 1000)
	n, err := ch.Read(context.Background(), dst, 5000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(dst) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(dst))
	}
	if !bytes.Equal(dst, data[5000:6000]) {
		t.Fatalf("Read returned wrong bytes")
	}

	// A second read of the same region is served from local state. The
	// file transport keeps the handle it opened for the first read, so
	// removing the source path does not by itself prove that no fetch
	// happens; the read must still succeed with the right bytes.
	if err := os.Remove(sourcePath); err != nil {
		t.Fatalf("remove source: %v", err)
	}
	dst2 := make([]byte, 1000)
	if _, err := ch.Read(context.Background(), dst2, 5000); err != nil {
		t.Fatalf("second Read (should be served locally): %v", err)
	}
	if !bytes.Equal(dst2, data[5000:6000]) {
		t.Fatalf("second Read returned wrong bytes")
	}
}

func TestChannel_SingleFlightJoin(t *testing.T) {
	dir, sourcePath, refPath, data := buildFixture(t, 5000, 128)
	dataPath := filepath.Join(dir, "local.bin")
	statePath := filepath.Join(dir, "local.mrkl")

	ch, err := Open(dataPath, statePath, refPath, "file://"+sourcePath, Options{Config: config.DefaultConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			dst := make([]byte, 100)
			_, err := ch.Read(context.Background(), dst, 200)
			results[i] = dst
			errs[i] = err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if !bytes.Equal(results[i], data[200:300]) {
			t.Fatalf("goroutine %d got wrong bytes", i)
		}
	}
}

func TestChannel_ReopenAlreadyCompleteIssuesNoFetch(t *testing.T) {
	dir, sourcePath, refPath, data := buildFixture(t, 2000, 256)
	dataPath := filepath.Join(dir, "local.bin")
	statePath := filepath.Join(dir, "local.mrkl")

	ch, err := Open(dataPath, statePath, refPath, "file://"+sourcePath, Options{Config: config.DefaultConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dst := make([]byte, len(data))
	if _, err := ch.Read(context.Background(), dst, 0); err != nil {
		t.Fatalf("Read full file: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := os.Remove(sourcePath); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	ch2, err := Open(dataPath, statePath, refPath, "file:///nonexistent-should-never-be-touched", Options{Config: config.DefaultConfig()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ch2.Close()

	dst2 := make([]byte, len(data))
	if _, err := ch2.Read(context.Background(), dst2, 0); err != nil {
		t.Fatalf("Read after reopen (should be fully local): %v", err)
	}
	if !bytes.Equal(dst2, data) {
		t.Fatalf("reopened channel served wrong bytes")
	}
}

func TestChannel_ReadAtEndOfFileReturnsNoBytesAndNoIO(t *testing.T) {
	dir, sourcePath, refPath, data := buildFixture(t, 1000, 256)
	dataPath := filepath.Join(dir, "local.bin")
	statePath := filepath.Join(dir, "local.mrkl")

	ch, err := Open(dataPath, statePath, refPath, "file://"+sourcePath, Options{Config: config.DefaultConfig()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	dst := make([]byte, 10)
	n, err := ch.Read(context.Background(), dst, uint64(len(data)))
	if err != nil {
		t.Fatalf("Read at EOF: %v", err)
	}
	if n != 0 {
		t.Fatalf("Read at EOF returned %d bytes, want 0", n)
	}

	if err := ch.Prebuffer(context.Background(), uint64(len(data)), 10); err != nil {
		t.Fatalf("Prebuffer at EOF: %v", err)
	}
}
