// Package merkleref implements MerkleRef: the authoritative, immutable
// hash array + shape persisted in a .mref file. A MerkleRef is built once
// by the offline build pipeline and is read-only for the lifetime of the
// engine.
package merkleref

import (
	"fmt"
	"os"

	"github.com/mafile/mafile/internal/footer"
	"github.com/mafile/mafile/internal/hashengine"
	"github.com/mafile/mafile/internal/mferr"
	"github.com/mafile/mafile/internal/shape"
)

// Ref is the authoritative merkle tree for one remote file.
type Ref struct {
	Shape shape.Shape
	hashes []hashengine.Hash // len == Shape.NodeCount()
}

// New constructs a Ref from a shape and a fully-populated, already-folded
// hash array (see internal/build for how the array is produced).
func New(s shape.Shape, hashes []hashengine.Hash) (*Ref, error) {
	if uint32(len(hashes)) != s.NodeCount() {
		return nil, fmt.Errorf("%w: hash array length %d != node count %d", mferr.ErrInvalidGeometry, len(hashes), s.NodeCount())
	}
	return &Ref{Shape: s, hashes: hashes}, nil
}

// Hash returns the hash stored at node i.
func (r *Ref) Hash(i uint32) hashengine.Hash {
	return r.hashes[i]
}

// RootHash is a convenience for Hash(0).
func (r *Ref) RootHash() hashengine.Hash {
	return r.hashes[0]
}

// ExpectedHashForRange looks up leaf hashes underlying a byte range,
// returning one hash per chunk in ascending order. Used when verifying a
// multi-chunk fetch leaf by leaf.
func (r *Ref) ExpectedHashForRange(offset, length uint64) ([]hashengine.Hash, error) {
	first, last, err := r.Shape.Cover(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]hashengine.Hash, 0, last-first+1)
	for c := first; c <= last; c++ {
		out = append(out, r.Hash(r.Shape.LeafNodeOf(c)))
	}
	return out, nil
}

// Save writes the hash array followed by the footer trailer to path,
// atomically via a temp-file-then-rename.
func (r *Ref) Save(path string) error {
	buf := make([]byte, 0, int(r.Shape.NodeCount())*hashengine.Size+64)
	for _, h := range r.hashes {
		buf = append(buf, h[:]...)
	}

	ft := footer.Footer{
		ChunkSize:        r.Shape.ChunkSize,
		TotalContentSize: r.Shape.TotalContentSize,
		LeafCount:        r.Shape.LeafCount,
		Cap:              r.Shape.Cap,
		HashArrayOffset:  0,
		HashArrayLength:  uint64(len(buf)),
	}
	buf = footer.Encode(buf, ft, buf)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("mafile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("mafile: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// Load reads and validates a .mref file: footer magic/version/digest are
// checked, but the tree is not re-derived from its leaves (see LoadVerified
// for that stronger, more expensive guarantee).
func Load(path string) (*Ref, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mafile: read %s: %w", path, err)
	}
	return decode(data)
}

// LoadVerified is Load plus a full walk of the hash array confirming that
// every parent equals SHA-256(child_l || child_r). One-time O(n) cost,
// left as an explicit opt-in for callers that want the stronger
// load-time guarantee rather than paying it on every open.
func LoadVerified(path string) (*Ref, error) {
	ref, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := ref.VerifyInternal(); err != nil {
		return nil, err
	}
	return ref, nil
}

// VerifyInternal checks every internal node against its children's hashes.
func (r *Ref) VerifyInternal() error {
	for i := uint32(0); i < r.Shape.Cap-1; i++ {
		l, rr := r.Shape.Children(i)
		want := hashengine.HashParent(r.hashes[l], r.hashes[rr])
		if want != r.hashes[i] {
			return fmt.Errorf("%w: node %d does not equal hash of its children", mferr.ErrIntegrityFailed, i)
		}
	}
	return nil
}

func decode(data []byte) (*Ref, error) {
	ft, bodyStart, err := footer.Decode(data)
	if err != nil {
		return nil, err
	}

	s, err := shape.New(ft.TotalContentSize, ft.ChunkSize)
	if err != nil {
		return nil, err
	}
	if s.LeafCount != ft.LeafCount || s.Cap != ft.Cap {
		return nil, fmt.Errorf("%w: footer geometry disagrees with recomputed shape", mferr.ErrFooterInvalid)
	}

	nodeCount := s.NodeCount()
	want := uint64(nodeCount) * hashengine.Size
	if ft.HashArrayLength != want {
		return nil, fmt.Errorf("%w: hash array length %d != expected %d", mferr.ErrFooterInvalid, ft.HashArrayLength, want)
	}
	if err := footer.CheckSection("hash array", ft.HashArrayOffset, ft.HashArrayLength, bodyStart); err != nil {
		return nil, err
	}
	hashArea := data[ft.HashArrayOffset : ft.HashArrayOffset+ft.HashArrayLength]

	hashes := make([]hashengine.Hash, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		copy(hashes[i][:], hashArea[int(i)*hashengine.Size:(int(i)+1)*hashengine.Size])
	}

	return &Ref{Shape: s, hashes: hashes}, nil
}
