// Package merklestate implements MerkleState: the runtime tree — the
// same hash array as the matching MerkleRef, plus a valid-bitset —
// persisted in a .mrkl file. A State mutates on every successful chunk
// verification; it never re-validates a chunk (invalid->valid exactly
// once, never back).
package merklestate

import (
	"fmt"
	"os"

	"github.com/mafile/mafile/internal/bitset"
	"github.com/mafile/mafile/internal/footer"
	"github.com/mafile/mafile/internal/hashengine"
	"github.com/mafile/mafile/internal/mferr"
	"github.com/mafile/mafile/internal/shape"
)

// Interface is the surface MAFileChannel needs from a runtime tree,
// satisfied by both the default flat-file State and the alternate
// bbolt-backed implementation in internal/statedb.
type Interface interface {
	IsValid(c uint32) bool
	MarkValid(c uint32) error
	ExpectedHash(c uint32) hashengine.Hash
	RootHash() hashengine.Hash
	Close() error
}

// State is the runtime merkle tree + bitset for one local file.
type State struct {
	Shape  shape.Shape
	hashes []hashengine.Hash
	bits   bitset.Bitset
	file   *os.File
}

// IsValid reports whether chunk c's data is present and verified.
func (s *State) IsValid(c uint32) bool {
	return s.bits.IsValid(c)
}

// MarkValid sets chunk c valid and forces the bit to stable storage.
func (s *State) MarkValid(c uint32) error {
	if err := s.bits.MarkValid(c); err != nil {
		return fmt.Errorf("%w: %v", mferr.ErrStateCorrupt, err)
	}
	return nil
}

// ExpectedHash returns the reference hash for chunk c's leaf node.
func (s *State) ExpectedHash(c uint32) hashengine.Hash {
	return s.hashes[s.Shape.LeafNodeOf(c)]
}

// RootHash is the state's copy of the tree root, used to cross-check
// against a MerkleRef on open.
func (s *State) RootHash() hashengine.Hash {
	return s.hashes[0]
}

// Close flushes the bitset and releases the backing file/mapping.
func (s *State) Close() error {
	ferr := s.bits.Flush()
	cerr := s.bits.Close()
	ferr2 := s.file.Close()
	if ferr != nil {
		return fmt.Errorf("%w: flush: %v", mferr.ErrStateCorrupt, ferr)
	}
	if cerr != nil {
		return cerr
	}
	return ferr2
}

// CreateFromRef materialises a fresh .mrkl at statePath: the hash array
// is copied from ref and the bitset starts all-zero. Written atomically
// via statePath.tmp then renamed over statePath.
func CreateFromRef(s shape.Shape, hashes []hashengine.Hash, statePath string) (*State, error) {
	if uint32(len(hashes)) != s.NodeCount() {
		return nil, fmt.Errorf("%w: hash array length mismatch", mferr.ErrShapeMismatch)
	}

	hashBytes := make([]byte, 0, int(s.NodeCount())*hashengine.Size)
	for _, h := range hashes {
		hashBytes = append(hashBytes, h[:]...)
	}
	bitsetOffset := len(hashBytes)
	bitsetLen := bitset.ByteLen(s.LeafCount)
	buf := make([]byte, bitsetOffset+bitsetLen)
	copy(buf, hashBytes)

	ft := footer.Footer{
		ChunkSize:        s.ChunkSize,
		TotalContentSize: s.TotalContentSize,
		LeafCount:        s.LeafCount,
		Cap:              s.Cap,
		HashArrayOffset:  0,
		HashArrayLength:  uint64(len(hashBytes)),
		BitsetOffset:     uint64(bitsetOffset),
		BitsetLength:     uint64(bitsetLen),
	}
	buf = footer.Encode(buf, ft, buf)

	tmp := statePath + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return nil, fmt.Errorf("mafile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, statePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("mafile: rename %s -> %s: %w", tmp, statePath, err)
	}

	return Load(statePath)
}

// Load opens an existing .mrkl file: the hash array is copied into
// memory, not mapped, and the bitset region is opened through
// bitset.Open.
func Load(statePath string) (*State, error) {
	f, err := os.OpenFile(statePath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mafile: open %s: %w", statePath, err)
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mafile: read %s: %w", statePath, err)
	}

	ft, bodyStart, err := footer.Decode(data)
	if err != nil {
		f.Close()
		return nil, err
	}

	s, err := shape.New(ft.TotalContentSize, ft.ChunkSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	if s.LeafCount != ft.LeafCount || s.Cap != ft.Cap {
		f.Close()
		return nil, fmt.Errorf("%w: footer geometry mismatch", mferr.ErrFooterInvalid)
	}
	if ft.BitsetOffset == 0 && ft.BitsetLength == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: state file has no bitset section", mferr.ErrFooterInvalid)
	}

	nodeCount := s.NodeCount()
	wantHashLen := uint64(nodeCount) * hashengine.Size
	if ft.HashArrayLength != wantHashLen {
		f.Close()
		return nil, fmt.Errorf("%w: hash array length %d != expected %d", mferr.ErrFooterInvalid, ft.HashArrayLength, wantHashLen)
	}
	if err := footer.CheckSection("hash array", ft.HashArrayOffset, ft.HashArrayLength, bodyStart); err != nil {
		f.Close()
		return nil, err
	}
	wantBitsetLen := uint64(bitset.ByteLen(s.LeafCount))
	if ft.BitsetLength != wantBitsetLen {
		f.Close()
		return nil, fmt.Errorf("%w: bitset length %d != expected %d", mferr.ErrFooterInvalid, ft.BitsetLength, wantBitsetLen)
	}
	if err := footer.CheckSection("bitset", ft.BitsetOffset, ft.BitsetLength, bodyStart); err != nil {
		f.Close()
		return nil, err
	}

	hashes := make([]hashengine.Hash, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		off := ft.HashArrayOffset + uint64(i)*hashengine.Size
		copy(hashes[i][:], data[off:off+hashengine.Size])
	}

	bits, err := bitset.Open(f, int64(ft.BitsetOffset), s.LeafCount)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", mferr.ErrStateCorrupt, err)
	}

	return &State{Shape: s, hashes: hashes, bits: bits, file: f}, nil
}
