package transport

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/mafile/mafile/internal/mferr"
)

func init() {
	Register("file", newFileTransport)
}

// FileTransport serves byte ranges from a local file, for testing and
// for origins that are already on disk (e.g. a co-located build
// artefact store). Always supports ranges. The file is opened lazily,
// on first FetchRange/Size call, so constructing (and even closing) a
// FileTransport for a resource no read ever touches is free — this
// matters when a channel reopens against a fully cached local state
// and should never have to touch its origin again.
type FileTransport struct {
	path string

	once sync.Once
	f    *os.File
	err  error
}

func newFileTransport(rawURL string) (Transport, error) {
	return &FileTransport{path: filePathFromURL(rawURL)}, nil
}

// filePathFromURL accepts both a bare filesystem path and a file://
// URL, since FileTransport is also reachable from URL-shaped callers.
func filePathFromURL(rawURL string) string {
	if !strings.HasPrefix(rawURL, "file://") {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.TrimPrefix(rawURL, "file://")
	}
	return u.Path
}

func (t *FileTransport) open() (*os.File, error) {
	t.once.Do(func() {
		t.f, t.err = os.Open(t.path)
		if t.err != nil {
			t.err = fmt.Errorf("%w: open %s: %v", mferr.ErrTransportFailed, t.path, t.err)
		}
	})
	return t.f, t.err
}

func (t *FileTransport) FetchRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	f, err := t.open()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && uint64(n) < length {
		return nil, fmt.Errorf("%w: read %s at %d: %v", mferr.ErrTransportFailed, t.path, offset, err)
	}
	return buf[:n], nil
}

func (t *FileTransport) Size(ctx context.Context) (uint64, error) {
	f, err := t.open()
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", mferr.ErrTransportFailed, t.path, err)
	}
	return uint64(info.Size()), nil
}

func (t *FileTransport) SupportsRanges(ctx context.Context) bool {
	return true
}

func (t *FileTransport) Close() error {
	if t.f != nil {
		return t.f.Close()
	}
	return nil
}
