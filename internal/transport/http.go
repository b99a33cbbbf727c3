package transport

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mafile/mafile/internal/mferr"
)

func init() {
	Register("http", newHTTPTransport)
	Register("https", newHTTPTransport)
}

// HTTPTransport serves byte ranges over HTTP/HTTPS, one http.Client per
// transport backed by net/http's shared default connection pool
// (negotiating HTTP/2 when the server offers it), with bounded exponential-backoff retry on 5xx/timeout
// responses and no retry on 4xx/malformed ones.
type HTTPTransport struct {
	URL string

	RetryAttempts    int
	InitialBackoff   time.Duration
	RequestTimeout   time.Duration

	client *http.Client

	once          sync.Once
	sizeKnown     bool
	size          uint64
	rangesKnown   bool
	rangesAllowed bool
	probeErr      error
}

func newHTTPTransport(url string) (Transport, error) {
	return &HTTPTransport{
		URL:            url,
		RetryAttempts:  4,
		InitialBackoff: 100 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
		client:         &http.Client{},
	}, nil
}

// probe issues a HEAD (falling back to a 1-byte range GET for servers
// that reject HEAD) to learn total size and range support, caching the
// result for the transport's lifetime.
func (t *HTTPTransport) probe(ctx context.Context) {
	t.once.Do(func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.URL, nil)
		if err != nil {
			t.probeErr = fmt.Errorf("%w: build HEAD request: %v", mferr.ErrTransportFailed, err)
			return
		}
		resp, err := t.client.Do(req)
		if err != nil || resp.StatusCode >= 400 {
			if resp != nil {
				resp.Body.Close()
			}
			t.probeViaRangeGet(ctx)
			return
		}
		defer resp.Body.Close()
		t.readProbeHeaders(resp)
	})
}

func (t *HTTPTransport) probeViaRangeGet(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		t.probeErr = fmt.Errorf("%w: build probe request: %v", mferr.ErrTransportFailed, err)
		return
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := t.client.Do(req)
	if err != nil {
		t.probeErr = fmt.Errorf("%w: %v", mferr.ErrTransportFailed, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	t.rangesKnown = true
	t.rangesAllowed = resp.StatusCode == http.StatusPartialContent
	t.readProbeHeaders(resp)
}

func (t *HTTPTransport) readProbeHeaders(resp *http.Response) {
	if !t.rangesKnown {
		t.rangesKnown = true
		t.rangesAllowed = resp.Header.Get("Accept-Ranges") == "bytes"
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if n, ok := parseContentRangeTotal(cr); ok {
			t.size = n
			t.sizeKnown = true
			return
		}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseUint(cl, 10, 64); err == nil {
			t.size = n
			t.sizeKnown = true
		}
	}
}

// parseContentRangeTotal extracts the total length from a
// "bytes start-end/total" Content-Range header.
func parseContentRangeTotal(header string) (uint64, bool) {
	idx := -1
	for i := len(header) - 1; i >= 0; i-- {
		if header[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, false
	}
	n, err := strconv.ParseUint(total, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (t *HTTPTransport) Size(ctx context.Context) (uint64, error) {
	t.probe(ctx)
	if t.probeErr != nil {
		return 0, t.probeErr
	}
	if !t.sizeKnown {
		return 0, fmt.Errorf("%w: server did not report a resource size", mferr.ErrTransportFailed)
	}
	return t.size, nil
}

func (t *HTTPTransport) SupportsRanges(ctx context.Context) bool {
	t.probe(ctx)
	return t.rangesKnown && t.rangesAllowed
}

func (t *HTTPTransport) FetchRange(ctx context.Context, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= t.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(t.InitialBackoff) * math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		data, err, retryable := t.fetchOnce(ctx, offset, length)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: exhausted %d attempts: %v", mferr.ErrTransportFailed, t.RetryAttempts+1, lastErr)
}

// fetchOnce performs a single attempt, reporting whether the failure
// (if any) is worth retrying (5xx, timeout, connection reset, short
// read) versus terminal (4xx, malformed response).
func (t *HTTPTransport) fetchOnce(ctx context.Context, offset, length uint64) ([]byte, error, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", mferr.ErrTransportFailed, err), false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mferr.ErrTransportFailed, err), true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", mferr.ErrTransportFailed, resp.StatusCode), true
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", mferr.ErrTransportFailed, resp.StatusCode), false
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: short read: %v", mferr.ErrTransportFailed, err), true
	}
	if resp.StatusCode == http.StatusOK {
		// 200-with-full-body tolerated only if it actually contains the
		// requested window; otherwise this is a short read worth retrying.
		if offset+length <= uint64(len(data)) {
			return data[offset : offset+length], nil, false
		}
		return nil, fmt.Errorf("%w: full body of %d bytes does not contain [%d,%d)", mferr.ErrTransportFailed, len(data), offset, offset+length), true
	}
	if uint64(len(data)) < length {
		return nil, fmt.Errorf("%w: got %d bytes, wanted %d", mferr.ErrTransportFailed, len(data), length), true
	}
	return data, nil, false
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
