// Package hashengine is the single place algorithm choice is made for the
// merkle tree: SHA-256, fixed per spec. If a future footer version adds an
// algorithm choice, the version field gates it — this package does not
// branch on configuration today.
package hashengine

import "crypto/sha256"

// Size is the hash width in bytes.
const Size = 32

// Hash is a 32-byte digest.
type Hash [Size]byte

// Zero is the hash of a virtual leaf.
var Zero Hash

// HashLeaf hashes chunk bytes directly, with no length prefix.
func HashLeaf(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashParent combines two child hashes into their parent's hash:
// SHA-256(left || right).
func HashParent(left, right Hash) Hash {
	var buf [2 * Size]byte
	copy(buf[:Size], left[:])
	copy(buf[Size:], right[:])
	return sha256.Sum256(buf[:])
}
