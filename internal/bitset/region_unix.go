//go:build unix

package bitset

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixRegion memory-maps a byte range of a file and sets bits directly
// on the mapping with an atomic compare-and-swap on the 32-bit word
// containing the target byte.
type unixRegion struct {
	mem []byte
}

func openRegion(f *os.File, offset, length int64) (region, error) {
	if length == 0 {
		return &unixRegion{mem: nil}, nil
	}
	mem, err := unix.Mmap(int(f.Fd()), offset, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mafile: mmap bitset region: %w", err)
	}
	return &unixRegion{mem: mem}, nil
}

func (u *unixRegion) bytes() []byte { return u.mem }

func (u *unixRegion) get(byteIdx int) byte {
	return byte(atomic.LoadUint32(alignedWord(u.mem, byteIdx)) >> shiftFor(byteIdx))
}

// set performs a CAS loop on the 32-bit word containing byteIdx, ORing in
// mask so concurrent setters on different bits of the same word never
// lose an update.
func (u *unixRegion) set(byteIdx int, mask byte) {
	word := alignedWord(u.mem, byteIdx)
	shift := shiftFor(byteIdx)
	for {
		old := atomic.LoadUint32(word)
		next := old | (uint32(mask) << shift)
		if next == old {
			return
		}
		if atomic.CompareAndSwapUint32(word, old, next) {
			return
		}
	}
}

func (u *unixRegion) flush() error {
	if len(u.mem) == 0 {
		return nil
	}
	if err := unix.Msync(u.mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mafile: msync bitset region: %w", err)
	}
	return nil
}

func (u *unixRegion) close() error {
	if len(u.mem) == 0 {
		return nil
	}
	if err := unix.Munmap(u.mem); err != nil {
		return fmt.Errorf("mafile: munmap bitset region: %w", err)
	}
	u.mem = nil
	return nil
}

// alignedWord returns a pointer to the 32-bit-aligned word containing
// byteIdx, assuming the backing mapping is at least word-aligned (true for
// mmap'd pages) and extends to the end of that word — enforced by
// newMapped at construction time, not by this function.
func alignedWord(mem []byte, byteIdx int) *uint32 {
	wordIdx := byteIdx &^ 3
	return (*uint32)(unsafe.Pointer(&mem[wordIdx]))
}

func shiftFor(byteIdx int) uint32 {
	return uint32(byteIdx&3) * 8
}
