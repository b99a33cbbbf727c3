// Package shape implements MerkleShape: pure geometry mapping a
// (file size, chunk size) pair to a padded power-of-two merkle tree
// layout. No I/O happens in this package.
//
// Layout ("padded power-of-two", the authoritative layout per the
// engine's on-disk format): leaf_count real chunks are padded up to
// cap = next_pow2(leaf_count) leaves; the tree has 2*cap-1 nodes total,
// indexed 0 (root) .. 2*cap-2, with leaves occupying [cap-1, cap-1+leaf_count)
// and the remainder ("virtual leaves") carrying the zero hash.
package shape

import (
	"fmt"
	"math/bits"

	"github.com/mafile/mafile/internal/mferr"
)

// Shape is the geometry of one merkle-covered file.
type Shape struct {
	TotalContentSize uint64
	ChunkSize        uint64
	LeafCount        uint32
	Cap              uint32
}

// New validates (total, chunk) and computes the derived geometry.
// chunk must be a power of two and total must be non-zero.
func New(total, chunk uint64) (Shape, error) {
	if chunk == 0 || (chunk&(chunk-1)) != 0 {
		return Shape{}, fmt.Errorf("%w: chunk_size %d is not a power of two", mferr.ErrInvalidGeometry, chunk)
	}
	if total == 0 {
		return Shape{}, fmt.Errorf("%w: total_content_size must be non-zero", mferr.ErrInvalidGeometry)
	}

	leafCount := (total + chunk - 1) / chunk
	if leafCount > 1<<32-1 {
		return Shape{}, fmt.Errorf("%w: leaf_count %d overflows uint32", mferr.ErrInvalidGeometry, leafCount)
	}

	return Shape{
		TotalContentSize: total,
		ChunkSize:        chunk,
		LeafCount:        uint32(leafCount),
		Cap:              nextPow2(uint32(leafCount)),
	}, nil
}

// nextPow2 returns the smallest power of two >= n (minimum 1).
func nextPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len32(n-1)
}

// NodeCount is the total number of hash-array slots: 2*Cap-1.
func (s Shape) NodeCount() uint32 {
	return 2*s.Cap - 1
}

// IsLeaf reports whether node i is a leaf (real or virtual).
func (s Shape) IsLeaf(i uint32) bool {
	return i >= s.Cap-1
}

// IsVirtualLeaf reports whether leaf node i has no backing real chunk.
func (s Shape) IsVirtualLeaf(i uint32) bool {
	if !s.IsLeaf(i) {
		return false
	}
	chunk := i - (s.Cap - 1)
	return chunk >= s.LeafCount
}

// ChunkForOffset maps a byte offset to its covering chunk index.
func (s Shape) ChunkForOffset(off uint64) uint32 {
	return uint32(off / s.ChunkSize)
}

// LeafNodeOf returns the hash-array index of the leaf backing chunk c.
func (s Shape) LeafNodeOf(chunk uint32) uint32 {
	return s.Cap - 1 + chunk
}

// ChunkOfLeaf is the inverse of LeafNodeOf; caller must ensure IsLeaf(node).
func (s Shape) ChunkOfLeaf(node uint32) uint32 {
	return node - (s.Cap - 1)
}

// Children returns the two child indices of internal node i.
func (s Shape) Children(i uint32) (left, right uint32) {
	return 2*i + 1, 2*i + 2
}

// Parent returns the parent index of node i; the root (i==0) has no parent.
func (s Shape) Parent(i uint32) uint32 {
	return (i - 1) / 2
}

// LeafRangeOf returns the inclusive range of real chunk indices (leaf
// positions, not hash-array node indices) spanned by node i's subtree,
// clamped to exclude virtual leaves. ok is false if the
// subtree contains no real leaves at all.
func (s Shape) LeafRangeOf(i uint32) (first, last uint32, ok bool) {
	lo, hi := s.leafSpan(i)
	if lo >= s.LeafCount {
		return 0, 0, false
	}
	if hi >= s.LeafCount {
		hi = s.LeafCount - 1
	}
	return lo, hi, true
}

// leafSpan returns the full (including virtual) chunk-index span covered
// by node i, without clamping to LeafCount.
func (s Shape) leafSpan(i uint32) (lo, hi uint32) {
	// Node indices [2^d-1, 2^(d+1)-2] are at depth d; at depth d there
	// are 2^d nodes, each spanning Cap/2^d leaves.
	depth := uint32(bits.Len32(i+1) - 1)
	levelStart := uint32(1)<<depth - 1
	posInLevel := i - levelStart
	span := s.Cap >> depth
	lo = posInLevel * span
	hi = lo + span - 1
	return lo, hi
}

// ChunksOf returns the ordered, real (non-virtual) chunk indices covered by
// node i.
func (s Shape) ChunksOf(i uint32) []uint32 {
	first, last, ok := s.LeafRangeOf(i)
	if !ok {
		return nil
	}
	out := make([]uint32, 0, last-first+1)
	for c := first; c <= last; c++ {
		out = append(out, c)
	}
	return out
}

// ByteRangeOf returns the [start, end) byte range covered by node i's real
// chunks, clamped to TotalContentSize.
func (s Shape) ByteRangeOf(i uint32) (start, end uint64, ok bool) {
	first, last, ok := s.LeafRangeOf(i)
	if !ok {
		return 0, 0, false
	}
	start = uint64(first) * s.ChunkSize
	end = uint64(last+1) * s.ChunkSize
	if end > s.TotalContentSize {
		end = s.TotalContentSize
	}
	return start, end, true
}

// ChunkByteRange returns the [start, end) byte range of one chunk, with the
// final chunk's end clamped to TotalContentSize.
func (s Shape) ChunkByteRange(chunk uint32) (start, end uint64) {
	start = uint64(chunk) * s.ChunkSize
	end = start + s.ChunkSize
	if end > s.TotalContentSize {
		end = s.TotalContentSize
	}
	return start, end
}

// Cover computes the inclusive [firstChunk, lastChunk] range touched by a
// read of length len starting at off.
func (s Shape) Cover(off, length uint64) (first, last uint32, err error) {
	if off >= s.TotalContentSize {
		return 0, 0, fmt.Errorf("%w: offset %d >= total %d", mferr.ErrOutOfRange, off, s.TotalContentSize)
	}
	if length == 0 {
		return s.ChunkForOffset(off), s.ChunkForOffset(off), nil
	}
	endByte := off + length - 1
	if endByte >= s.TotalContentSize {
		endByte = s.TotalContentSize - 1
	}
	return s.ChunkForOffset(off), s.ChunkForOffset(endByte), nil
}

// InternalNodesAtLevel enumerates internal node indices at depth L (root
// at L=0), used by the aggressive scheduler's level-by-level walk.
func (s Shape) InternalNodesAtLevel(level uint32) []uint32 {
	levelStart := uint32(1)<<level - 1
	count := uint32(1) << level
	if levelStart >= s.Cap-1 {
		return nil // already at or past the leaf level
	}
	out := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		node := levelStart + i
		if node >= s.Cap-1 {
			break
		}
		out = append(out, node)
	}
	return out
}

// Depth returns the total number of internal levels above the leaves
// (root is level 0; leaves are at level Depth()).
func (s Shape) Depth() uint32 {
	if s.Cap <= 1 {
		return 0
	}
	return uint32(bits.Len32(s.Cap - 1))
}
