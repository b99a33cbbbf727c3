package bitset

import "os"

// Open maps the bitset region for an existing state file: bits bits
// starting at byte offset in f. To keep the unix mmap backend safe
// against word-aligned reads past the logical bitset length, the mapped
// span always extends to the end of the file (the bytes beyond the
// bitset belong to the footer and are simply never addressed by
// IsValid/MarkValid).
func Open(f *os.File, offset int64, bits uint32) (Bitset, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	length := info.Size() - offset
	r, err := openRegion(f, offset, length)
	if err != nil {
		return nil, err
	}
	return newMapped(bits, r)
}
