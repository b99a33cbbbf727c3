// Package statedb is an alternate MerkleState backend for deployments
// tracking many remote files against one shared bbolt database instead
// of one .mrkl file per remote file: one bucket of hash arrays and one
// bucket of bitsets, keyed per tracked file.
//
// Selection between this backend and the default flat-file one
// (internal/merklestate) happens at open time; both implement
// merklestate.Interface.
package statedb

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/mafile/mafile/internal/bitset"
	"github.com/mafile/mafile/internal/hashengine"
	"github.com/mafile/mafile/internal/mferr"
	"github.com/mafile/mafile/internal/shape"
)

var bucketHashes = []byte("mafile:hashes")
var bucketBits = []byte("mafile:bits")

// DB is a bbolt-backed collection of merkle states, one per tracked key.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if absent) the shared bbolt database at path.
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("mafile: open statedb %s: %w", path, err)
	}
	if err := b.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketHashes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBits)
		return err
	}); err != nil {
		b.Close()
		return nil, fmt.Errorf("mafile: init statedb buckets: %w", err)
	}
	return &DB{bolt: b}, nil
}

// Close closes the underlying bbolt handle.
func (d *DB) Close() error { return d.bolt.Close() }

// Entry is one tracked remote file's runtime merkle tree, scoped to a
// caller-chosen key (e.g. the remote URL).
type Entry struct {
	db     *DB
	key    string
	shape  shape.Shape
	hashes []hashengine.Hash

	mu   sync.Mutex
	bits []byte // LSB-first bitset, held in memory and flushed on MarkValid
}

// CreateFromRef creates a new Entry for key, copying hashes from the
// reference tree and starting with an all-zero bitset, persisted
// immediately.
func (d *DB) CreateFromRef(key string, s shape.Shape, hashes []hashengine.Hash) (*Entry, error) {
	if uint32(len(hashes)) != s.NodeCount() {
		return nil, fmt.Errorf("%w: hash array length mismatch", mferr.ErrShapeMismatch)
	}
	e := &Entry{db: d, key: key, shape: s, hashes: hashes, bits: make([]byte, bitset.ByteLen(s.LeafCount))}
	if err := e.persistAll(); err != nil {
		return nil, err
	}
	return e, nil
}

// Load reopens an existing Entry for key.
func (d *DB) Load(key string, s shape.Shape) (*Entry, error) {
	e := &Entry{db: d, key: key, shape: s}
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		hb := tx.Bucket(bucketHashes).Get(hashKey(key))
		if hb == nil {
			return fmt.Errorf("mafile: no statedb entry for key %q", key)
		}
		nodeCount := s.NodeCount()
		if uint64(len(hb)) != uint64(nodeCount)*hashengine.Size {
			return fmt.Errorf("%w: stored hash array size mismatch", mferr.ErrShapeMismatch)
		}
		e.hashes = make([]hashengine.Hash, nodeCount)
		for i := uint32(0); i < nodeCount; i++ {
			copy(e.hashes[i][:], hb[int(i)*hashengine.Size:(int(i)+1)*hashengine.Size])
		}

		bb := tx.Bucket(bucketBits).Get(bitsKey(key))
		want := bitset.ByteLen(s.LeafCount)
		if len(bb) != want {
			return fmt.Errorf("%w: stored bitset size mismatch", mferr.ErrStateCorrupt)
		}
		e.bits = make([]byte, want)
		copy(e.bits, bb)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Entry) IsValid(c uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c >= e.shape.LeafCount {
		return false
	}
	return e.bits[c/8]&(1<<(c%8)) != 0
}

func (e *Entry) MarkValid(c uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c >= e.shape.LeafCount {
		return fmt.Errorf("mafile: bit %d out of range", c)
	}
	mask := byte(1) << (c % 8)
	if e.bits[c/8]&mask != 0 {
		return nil
	}
	e.bits[c/8] |= mask
	return e.db.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBits).Put(bitsKey(e.key), e.bits)
	})
}

func (e *Entry) ExpectedHash(c uint32) hashengine.Hash {
	return e.hashes[e.shape.LeafNodeOf(c)]
}

func (e *Entry) RootHash() hashengine.Hash { return e.hashes[0] }

// Close is a no-op: the bbolt handle is shared across entries and owned
// by the DB that created them.
func (e *Entry) Close() error { return nil }

func (e *Entry) persistAll() error {
	buf := make([]byte, 0, int(e.shape.NodeCount())*hashengine.Size)
	for _, h := range e.hashes {
		buf = append(buf, h[:]...)
	}
	return e.db.bolt.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketHashes).Put(hashKey(e.key), buf); err != nil {
			return err
		}
		return tx.Bucket(bucketBits).Put(bitsKey(e.key), e.bits)
	})
}

func hashKey(key string) []byte { return append([]byte("h:"), key...) }
func bitsKey(key string) []byte { return append([]byte("b:"), key...) }
