// Package channel implements the engine's only public read surface:
// open a local sparse file backed by a remote resource and a merkle
// reference, read arbitrary byte ranges, fetching and verifying only
// the chunks a read actually touches.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/mafile/mafile/internal/config"
	"github.com/mafile/mafile/internal/hashengine"
	"github.com/mafile/mafile/internal/logging"
	"github.com/mafile/mafile/internal/merkleref"
	"github.com/mafile/mafile/internal/merklestate"
	"github.com/mafile/mafile/internal/mferr"
	"github.com/mafile/mafile/internal/metrics"
	"github.com/mafile/mafile/internal/scheduler"
	"github.com/mafile/mafile/internal/shape"
	"github.com/mafile/mafile/internal/transport"
)

// future is one in-flight node-download task. Every waiter blocks on
// done; the single runTask goroutine started for the future is the only
// one that ever closes it, after storing its outcome in err. Grounded on
// the retrieval pack's dcache.Cache single-flight idiom
// (lockID/unlockID over a mutex-guarded map plus a broadcast wake),
// generalised here so joiners observe a result rather than merely a
// state transition.
type future struct {
	done chan struct{}
	err  error
}

// Channel is one open MAFileChannel: a local data file, its runtime
// state, the authoritative reference, and the transport that serves
// missing bytes.
type Channel struct {
	shape shape.Shape
	ref   *merkleref.Ref
	state merklestate.Interface
	tr    transport.Transport
	sched scheduler.Scheduler
	cfg   *config.Config
	log   logging.Logger
	met   *metrics.Metrics

	dataPath string
	dataMu   sync.RWMutex
	data     dataFile

	mu       sync.Mutex
	inflight map[uint32]*future

	closed bool
}

// dataFile is the subset of *os.File the channel needs for its local
// sparse copy, narrowed so tests can substitute an in-memory double.
type dataFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

// Options configures Open beyond its four required path/url arguments.
type Options struct {
	Config  *config.Config
	Logger  logging.Logger
	Metrics *metrics.Metrics
	// State, when non-nil, is used instead of opening/creating a flat-file
	// .mrkl at statePath — the hook the pluggable bbolt-backed
	// internal/statedb implementation uses.
	State merklestate.Interface
}

func schedulerFor(cfg *config.Config) scheduler.Scheduler {
	if cfg.Scheduler == config.SchedulerAggressive {
		return scheduler.NewAggressive(cfg.PrefetchBefore, cfg.PrefetchAfter, cfg.MinNodeEfficiency)
	}
	return scheduler.Conservative{}
}

// Open prepares a channel for reading: if statePath does not exist, it
// is created from refPath; if dataPath does not exist, a sparse file of
// the full content size is created; state and ref are cross-checked on
// root hash, and a flat-file state also on shape, before the channel is
// usable. A state passed in through Options.State is checked on root
// hash only.
func Open(dataPath, statePath, refPath, url string, opts Options) (*Channel, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := logging.Of(opts.Logger)

	ref, err := merkleref.Load(refPath)
	if err != nil {
		return nil, fmt.Errorf("mafile: load ref %s: %w", refPath, err)
	}

	st := opts.State
	if st == nil {
		st, err = openOrCreateState(statePath, ref)
		if err != nil {
			return nil, err
		}
	}

	if fs, ok := st.(*merklestate.State); ok && fs.Shape != ref.Shape {
		return nil, fmt.Errorf("%w: state shape %+v != ref shape %+v", mferr.ErrShapeMismatch, fs.Shape, ref.Shape)
	}
	if st.RootHash() != ref.RootHash() {
		return nil, fmt.Errorf("%w: state root %x != ref root %x", mferr.ErrShapeMismatch, st.RootHash(), ref.RootHash())
	}

	df, err := openOrCreateSparseFile(dataPath, ref.Shape.TotalContentSize)
	if err != nil {
		return nil, err
	}

	scheme, err := urlScheme(url)
	if err != nil {
		df.Close()
		return nil, err
	}
	tr, err := transport.Open(scheme, url)
	if err != nil {
		df.Close()
		return nil, err
	}

	logger.Printf("open: data=%s state=%s ref=%s leaf_count=%d chunk_size=%d", dataPath, statePath, refPath, ref.Shape.LeafCount, ref.Shape.ChunkSize)

	return &Channel{
		shape:    ref.Shape,
		ref:      ref,
		state:    st,
		tr:       tr,
		sched:    schedulerFor(cfg),
		cfg:      cfg,
		log:      logger,
		met:      opts.Metrics,
		dataPath: dataPath,
		data:     df,
		inflight: make(map[uint32]*future),
	}, nil
}

func urlScheme(url string) (string, error) {
	for i := 0; i < len(url); i++ {
		if url[i] == ':' {
			return url[:i], nil
		}
	}
	return "", fmt.Errorf("mafile: url %q has no scheme", url)
}

// Read serves dst's length starting at offset, reading from the local
// file only after every chunk it covers is valid. A read starting
// exactly at Size() returns (0, nil) without issuing any fetch.
func (c *Channel) Read(ctx context.Context, dst []byte, offset uint64) (int, error) {
	if err := c.ensureOpen(); err != nil {
		return 0, err
	}
	if len(dst) == 0 || offset == c.shape.TotalContentSize {
		return 0, nil
	}

	if err := c.Prebuffer(ctx, offset, uint64(len(dst))); err != nil {
		return 0, err
	}

	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	n, err := c.data.ReadAt(dst, int64(offset))
	if err != nil && n == 0 {
		return 0, fmt.Errorf("mafile: read local file: %w", err)
	}
	return n, nil
}

// Prebuffer ensures every chunk covering [offset, offset+length) is
// valid, fetching and verifying whatever is missing, without copying
// any bytes out. offset == Size() covers nothing and is a no-op.
func (c *Channel) Prebuffer(ctx context.Context, offset, length uint64) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if offset == c.shape.TotalContentSize {
		return nil
	}

	first, last, err := c.shape.Cover(offset, length)
	if err != nil {
		return err
	}

	required := make([]uint32, 0, last-first+1)
	for ch := first; ch <= last; ch++ {
		if !c.state.IsValid(ch) {
			required = append(required, ch)
		}
	}
	if len(required) == 0 {
		return nil
	}

	plan := c.sched.Plan(required, c.shape, stateView{c.state})
	if c.cfg.TransportMaxRequestBytes > 0 {
		plan = c.capToTransportLimit(plan, required)
	}

	futures := make([]*future, 0, len(plan))
	for _, d := range plan {
		futures = append(futures, c.acquireFuture(ctx, d))
	}

	for _, f := range futures {
		select {
		case <-f.done:
			if f.err != nil {
				return f.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Channel) capToTransportLimit(plan []scheduler.Decision, required []uint32) []scheduler.Decision {
	reqSet := make(map[uint32]bool, len(required))
	for _, r := range required {
		reqSet[r] = true
	}
	out := make([]scheduler.Decision, 0, len(plan))
	for _, d := range plan {
		if d.EstimatedBytes <= c.cfg.TransportMaxRequestBytes {
			out = append(out, d)
			continue
		}
		out = append(out, scheduler.SplitForTransportLimit(d, c.shape, c.cfg.TransportMaxRequestBytes, reqSet)...)
	}
	return out
}

// stateView narrows merklestate.Interface to scheduler.State.
type stateView struct{ st merklestate.Interface }

func (v stateView) IsValid(c uint32) bool { return v.st.IsValid(c) }

// acquireFuture implements the single-flight arbiter: the first caller
// to observe no in-flight future for d.NodeIndex creates one and starts
// the download task; every other caller joins the existing future.
func (c *Channel) acquireFuture(ctx context.Context, d scheduler.Decision) *future {
	c.mu.Lock()
	if f, ok := c.inflight[d.NodeIndex]; ok {
		c.mu.Unlock()
		return f
	}
	f := &future{done: make(chan struct{})}
	c.inflight[d.NodeIndex] = f
	c.mu.Unlock()

	if c.met != nil {
		c.met.InflightTasks.Inc()
	}
	go c.runTask(ctx, d, f)
	return f
}

// runTask fetches, verifies, and commits one node's chunks, then
// completes its future and removes it from the in-flight map so a
// later call may re-plan after a failure.
func (c *Channel) runTask(ctx context.Context, d scheduler.Decision, f *future) {
	err := c.fetchVerifyCommit(ctx, d)
	f.err = err

	c.mu.Lock()
	delete(c.inflight, d.NodeIndex)
	c.mu.Unlock()

	close(f.done)

	if c.met != nil {
		c.met.InflightTasks.Dec()
		if err != nil {
			c.met.VerifyFailures.Inc()
		}
	}
}

func (c *Channel) fetchVerifyCommit(ctx context.Context, d scheduler.Decision) error {
	start, end, ok := c.shape.ByteRangeOf(d.NodeIndex)
	if !ok {
		return fmt.Errorf("%w: node %d has no byte range", mferr.ErrOutOfRange, d.NodeIndex)
	}

	buf, err := c.tr.FetchRange(ctx, start, end-start)
	if err != nil {
		return err
	}
	if c.met != nil {
		c.met.FetchBytes.Add(float64(len(buf)))
	}

	verified, err := c.verifyChunks(d.AllChunksCovered, start, buf)
	if err != nil {
		return err
	}

	return c.commit(d.AllChunksCovered, start, verified)
}

// verifyChunks checks each covered chunk against its reference leaf
// hash; any mismatch rejects the whole buffer (task-level atomicity).
func (c *Channel) verifyChunks(chunks []uint32, bufStart uint64, buf []byte) ([]byte, error) {
	for _, ch := range chunks {
		cs, ce := c.shape.ChunkByteRange(ch)
		lo, hi := cs-bufStart, ce-bufStart
		if hi > uint64(len(buf)) {
			return nil, fmt.Errorf("%w: fetched buffer shorter than chunk %d requires", mferr.ErrTransportFailed, ch)
		}
		got := hashengine.HashLeaf(buf[lo:hi])
		want := c.state.ExpectedHash(ch)
		if got != want {
			return nil, &mferr.HashMismatchError{Chunk: ch}
		}
	}
	return buf, nil
}

// commit writes every verified chunk to the local file and marks it
// valid, bytes-before-bits, so a crash between the two steps never
// leaves a bit set for data that was not actually persisted.
func (c *Channel) commit(chunks []uint32, bufStart uint64, buf []byte) error {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	for _, ch := range chunks {
		cs, ce := c.shape.ChunkByteRange(ch)
		lo, hi := cs-bufStart, ce-bufStart
		if _, err := c.data.WriteAt(buf[lo:hi], int64(cs)); err != nil {
			return fmt.Errorf("mafile: write chunk %d: %w", ch, err)
		}
	}
	if err := c.data.Sync(); err != nil {
		return fmt.Errorf("mafile: sync local file: %w", err)
	}
	for _, ch := range chunks {
		if err := c.state.MarkValid(ch); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the channel's total content size.
func (c *Channel) Size() uint64 {
	return c.shape.TotalContentSize
}

func (c *Channel) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return mferr.ErrClosed
	}
	return nil
}

// Close refuses new reads and waits for outstanding tasks to settle
// before flushing state and closing handles.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]*future, 0, len(c.inflight))
	for _, f := range c.inflight {
		pending = append(pending, f)
	}
	c.mu.Unlock()

	for _, f := range pending {
		<-f.done
	}

	var stateErr, dataErr, trErr error
	stateErr = c.state.Close()
	dataErr = c.data.Close()
	trErr = c.tr.Close()

	if stateErr != nil {
		return stateErr
	}
	if dataErr != nil {
		return dataErr
	}
	return trErr
}
