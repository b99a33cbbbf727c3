// Package build implements the offline build pipeline: chunk-parallel
// SHA-256 over a local file, a sequential fold up the merkle tree, and
// emission of the reference file.
package build

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/mafile/mafile/internal/hashengine"
	"github.com/mafile/mafile/internal/logging"
	"github.com/mafile/mafile/internal/merkleref"
	"github.com/mafile/mafile/internal/shape"
)

// Progress receives (chunks_hashed, chunks_total) updates. FromFile
// delivers them in ascending order once the parallel leaf-hashing pass
// has finished, not while individual chunks are being hashed.
type Progress func(hashed, total uint32)

// Options configures one build run.
type Options struct {
	ChunkSize uint64
	Workers   int // 0 means min(runtime.NumCPU(), leaf_count)
	Observer  Progress

	// Logger, when non-nil, gets a throttled progress line every LogEvery
	// hashed chunks (and on completion), tagged with a correlation token
	// derived from path and ChunkSize so repeated builds of the same
	// input are traceable across log lines.
	Logger   logging.Logger
	LogEvery uint32
}

// Result is what one successful build produces.
type Result struct {
	Ref   *merkleref.Ref
	Shape shape.Shape
}

// FromFile hashes path's chunks in parallel, folds the tree, and
// returns the built Ref. It does not write any file; call Result.Ref.Save
// (or WriteManifest, for the optional sidecar) to persist it.
func FromFile(path string, opts Options) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("mafile: stat %s: %w", path, err)
	}

	s, err := shape.New(uint64(info.Size()), opts.ChunkSize)
	if err != nil {
		return nil, err
	}

	hashes := make([]hashengine.Hash, s.NodeCount())

	if opts.Logger != nil {
		token := CorrelationToken(path, opts.ChunkSize)
		opts.Observer = LoggingProgress(opts.Logger, token, opts.LogEvery, opts.Observer)
	}

	if err := hashLeaves(path, s, opts, hashes); err != nil {
		return nil, err
	}
	foldParents(s, hashes)

	ref, err := merkleref.New(s, hashes)
	if err != nil {
		return nil, err
	}
	return &Result{Ref: ref, Shape: s}, nil
}

// hashLeaves computes the SHA-256 of every real chunk in parallel,
// bounded by a worker pool (errgroup.Group.SetLimit), and leaves every
// virtual leaf at the zero hash without touching the file.
func hashLeaves(path string, s shape.Shape, opts Options, hashes []hashengine.Hash) error {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if uint32(workers) > s.LeafCount {
		workers = int(s.LeafCount)
	}
	if workers < 1 {
		workers = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mafile: open %s: %w", path, err)
	}
	defer f.Close()

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(workers)

	var hashedCount uint32
	report := func() {
		hashedCount++
		if opts.Observer != nil {
			opts.Observer(hashedCount, s.LeafCount)
		}
	}

	for c := uint32(0); c < s.LeafCount; c++ {
		chunk := c
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			start, end := s.ChunkByteRange(chunk)
			buf := make([]byte, end-start)
			if _, err := f.ReadAt(buf, int64(start)); err != nil {
				return fmt.Errorf("mafile: read chunk %d of %s: %w", chunk, path, err)
			}
			hashes[s.LeafNodeOf(chunk)] = hashengine.HashLeaf(buf)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Observer reporting happens sequentially after the parallel pass so
	// (hashed, total) is monotonic regardless of task completion order.
	for c := uint32(0); c < s.LeafCount; c++ {
		report()
	}

	for c := s.LeafCount; c < s.Cap; c++ {
		hashes[s.LeafNodeOf(c)] = hashengine.Zero
	}
	return nil
}

// foldParents computes every internal node's hash from its children,
// walking node indices cap-2 .. 0 so both children are always already
// populated by the time their parent is folded.
func foldParents(s shape.Shape, hashes []hashengine.Hash) {
	if s.Cap < 2 {
		return
	}
	for node := int64(s.Cap) - 2; node >= 0; node-- {
		l, r := s.Children(uint32(node))
		hashes[node] = hashengine.HashParent(hashes[l], hashes[r])
	}
}
