// Package footer encodes/decodes the fixed-width trailer that lets
// .mref and .mrkl files be parsed from the tail: magic bytes, version,
// geometry, section offsets, and a digest over everything that
// precedes the footer.
package footer

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/mafile/mafile/internal/hashengine"
	"github.com/mafile/mafile/internal/mferr"
)

// Magic identifies a mafile reference/state file.
var Magic = [4]byte{'M', 'A', 'F', 'L'}

// Version is the footer format this engine writes. Decode accepts any
// version whose high byte (the major version) matches Version's. Legacy
// formats observed in the source tooling are not supported here.
const Version uint16 = 2

// bodySize is the fixed encoded size of the footer body, not including the
// trailing length byte.
const bodySize = 4 + 2 + 8 + 8 + 4 + 4 + 8 + 8 + 8 + 8 + hashengine.Size

// Footer indexes the sections that precede it in a .mref/.mrkl file.
type Footer struct {
	ChunkSize        uint64
	TotalContentSize uint64
	LeafCount        uint32
	Cap              uint32
	HashArrayOffset  uint64
	HashArrayLength  uint64
	BitsetOffset     uint64 // 0 if absent
	BitsetLength     uint64 // 0 if absent
	FooterDigest     hashengine.Hash
}

// Encode appends the footer body and its one-byte length to dst. preceding
// is the exact byte slice that will sit before the footer in the file; its
// SHA-256 becomes FooterDigest.
func Encode(dst []byte, f Footer, preceding []byte) []byte {
	f.FooterDigest = sha256.Sum256(preceding)

	var body bytes.Buffer
	body.Write(Magic[:])
	writeU16(&body, Version)
	writeU64(&body, f.ChunkSize)
	writeU64(&body, f.TotalContentSize)
	writeU32(&body, f.LeafCount)
	writeU32(&body, f.Cap)
	writeU64(&body, f.HashArrayOffset)
	writeU64(&body, f.HashArrayLength)
	writeU64(&body, f.BitsetOffset)
	writeU64(&body, f.BitsetLength)
	body.Write(f.FooterDigest[:])

	if body.Len() != bodySize {
		panic(fmt.Sprintf("footer: encoded body size %d != expected %d", body.Len(), bodySize))
	}

	dst = append(dst, body.Bytes()...)
	dst = append(dst, byte(bodySize+1))
	return dst
}

// Decode parses the trailer out of the tail of file, and returns the
// decoded Footer plus the byte offset at which the footer body begins
// (i.e. the length of the sections preceding it).
func Decode(file []byte) (Footer, int, error) {
	if len(file) < 1 {
		return Footer{}, 0, fmt.Errorf("%w: empty file", mferr.ErrFooterInvalid)
	}

	footerLen := int(file[len(file)-1])
	if footerLen != bodySize+1 {
		return Footer{}, 0, fmt.Errorf("%w: unexpected footer length byte %d", mferr.ErrFooterInvalid, footerLen)
	}
	if footerLen > len(file) {
		return Footer{}, 0, fmt.Errorf("%w: footer length %d exceeds file size %d", mferr.ErrFooterInvalid, footerLen, len(file))
	}

	bodyStart := len(file) - footerLen
	body := file[bodyStart : len(file)-1]
	preceding := file[:bodyStart]

	r := bytes.NewReader(body)
	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != Magic {
		return Footer{}, 0, fmt.Errorf("%w: bad magic", mferr.ErrFooterInvalid)
	}

	version := readU16(r)
	if version>>8 != Version>>8 {
		return Footer{}, 0, fmt.Errorf("%w: unsupported major version %d", mferr.ErrFooterInvalid, version>>8)
	}

	var f Footer
	f.ChunkSize = readU64(r)
	f.TotalContentSize = readU64(r)
	f.LeafCount = readU32(r)
	f.Cap = readU32(r)
	f.HashArrayOffset = readU64(r)
	f.HashArrayLength = readU64(r)
	f.BitsetOffset = readU64(r)
	f.BitsetLength = readU64(r)
	r.Read(f.FooterDigest[:])

	computed := sha256.Sum256(preceding)
	if computed != f.FooterDigest {
		return Footer{}, 0, fmt.Errorf("%w: footer digest does not match preceding bytes", mferr.ErrIntegrityFailed)
	}

	return f, bodyStart, nil
}

// CheckSection validates that the half-open range [offset, offset+length)
// fits inside a region of size bound, rejecting both overflow and overrun.
// Callers must run this against every footer-supplied offset/length pair
// before slicing a byte buffer with them — the footer digest covers only
// the bytes preceding the footer, never the footer's own fields, so a
// corrupted offset or length is not caught by the digest check.
func CheckSection(name string, offset, length uint64, bound int) error {
	end := offset + length
	if end < offset {
		return fmt.Errorf("%w: %s length %d overflows", mferr.ErrFooterInvalid, name, length)
	}
	if end > uint64(bound) {
		return fmt.Errorf("%w: %s range [%d,%d) exceeds file size %d", mferr.ErrFooterInvalid, name, offset, end, bound)
	}
	return nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU16(r *bytes.Reader) uint16 {
	var b [2]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func readU32(r *bytes.Reader) uint32 {
	var b [4]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func readU64(r *bytes.Reader) uint64 {
	var b [8]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
