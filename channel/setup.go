package channel

import (
	"fmt"
	"os"

	"github.com/mafile/mafile/internal/hashengine"
	"github.com/mafile/mafile/internal/merkleref"
	"github.com/mafile/mafile/internal/merklestate"
)

// openOrCreateState materialises a fresh .mrkl from ref when statePath
// is absent, otherwise loads the existing one.
func openOrCreateState(statePath string, ref *merkleref.Ref) (merklestate.Interface, error) {
	if _, err := os.Stat(statePath); err == nil {
		return merklestate.Load(statePath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("mafile: stat %s: %w", statePath, err)
	}

	return merklestate.CreateFromRef(ref.Shape, hashesOf(ref), statePath)
}

// hashesOf copies a Ref's node hashes out into a plain slice for
// CreateFromRef, since MerkleRef keeps its internal array private.
func hashesOf(ref *merkleref.Ref) []hashengine.Hash {
	n := ref.Shape.NodeCount()
	out := make([]hashengine.Hash, n)
	for i := uint32(0); i < n; i++ {
		out[i] = ref.Hash(i)
	}
	return out
}

// openOrCreateSparseFile opens dataPath for read-write, creating a
// sparse file of exactly totalSize bytes if it does not already exist.
func openOrCreateSparseFile(dataPath string, totalSize uint64) (dataFile, error) {
	if _, err := os.Stat(dataPath); err == nil {
		f, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("mafile: open %s: %w", dataPath, err)
		}
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("mafile: stat %s: %w", dataPath, err)
	}

	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mafile: create %s: %w", dataPath, err)
	}
	if err := f.Truncate(int64(totalSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("mafile: truncate %s to %d: %w", dataPath, totalSize, err)
	}
	return f, nil
}
