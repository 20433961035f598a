// Package bgzf2 implements a Zstd-based block-compressed container that
// remains a valid Zstd bitstream while adding a trailing seekable index,
// an optional genomic index, and single- or multi-threaded encode/decode
// pipelines built around a dedicated I/O goroutine and a worker pool.
package bgzf2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/saveitor/bgzf2/internal/bytebuf"
	"github.com/saveitor/bgzf2/internal/cmdchan"
	"github.com/saveitor/bgzf2/internal/frame"
	"github.com/saveitor/bgzf2/internal/gindex"
	"github.com/saveitor/bgzf2/internal/seekidx"
	"github.com/saveitor/bgzf2/internal/tpool"
	"github.com/saveitor/bgzf2/iohandle"
)

// ErrClosed is returned by any operation attempted on a closed Handle.
var ErrClosed = errors.New("bgzf2: handle is closed")

// ErrInvalidMode is returned by Open when mode does not parse per §4.9.
var ErrInvalidMode = errors.New("bgzf2: invalid mode string")

// ErrNotReadable / ErrNotWritable guard operations against the wrong
// handle direction.
var (
	ErrNotReadable = errors.New("bgzf2: handle was not opened for reading")
	ErrNotWritable = errors.New("bgzf2: handle was not opened for writing")
)

// Handle owns exactly what §3 "Handle state" lists: the current
// uncompressed buffer, the current compressed scratch buffer, both
// indices, the worker-pool attachment, the free-list of reusable jobs
// (via bufPool), and the file handle.
type Handle struct {
	fh     iohandle.File
	logger *zap.Logger

	reading bool
	level   int

	blockSize int
	buf       *bytebuf.Buffer
	scratch   *bytebuf.Buffer
	bufPool   *bytebuf.Pool

	seekBuilder *seekidx.Builder
	seekIndex   *seekidx.Index

	genomicIndexEnabled bool
	gBuilder            *gindex.Builder
	gIndex              *gindex.Index

	pool  *tpool.Pool
	proc  *tpool.Process
	qsize int

	fw *frame.Writer
	fr *frame.Reader

	jobsPending atomic.Int64
	hitEOF      atomic.Bool
	closed      atomic.Bool

	headerWritten bool
	lastFlushTry  int
	streamingDone bool
	uncompWritten uint64 // cumulative uncompressed bytes already handed off to a flush

	cmd      *cmdchan.Channel
	wg       sync.WaitGroup
	ioCtx    context.Context
	ioCancel context.CancelFunc

	seekTo    uint64 // residual within-block offset after a completed seek
	ioStarted bool
	localWS   *tpool.WorkerState // caller-goroutine codec state for the single-threaded path

	frameCache *frame.Cache // lazily built; dedupes concurrent FetchFrame calls at the same offset

	mu sync.Mutex // serializes index mutation and writer-goroutine handoff
}

// Open parses mode ("r", or "w" optionally followed by a 1- or 2-digit
// compression level, default 5) and returns a ready Handle. Reader mode
// is lazy: no I/O happens beyond whatever fh itself already performed
// (§4.9 "open").
func Open(fh iohandle.File, mode string, opts ...Option) (*Handle, error) {
	h := &Handle{
		fh:        fh,
		logger:    zap.NewNop(),
		blockSize: defaultBlockSize,
		bufPool:   bytebuf.NewPool(8),
	}

	switch {
	case mode == "r":
		h.reading = true
	case strings.HasPrefix(mode, "w"):
		lvl, err := parseLevel(mode[1:])
		if err != nil {
			return nil, err
		}
		h.reading = false
		h.level = lvl
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	h.buf = bytebuf.NewSize(h.blockSize)
	if h.reading {
		h.fr = frame.NewReader(fh)
		h.gIndex = nil
	} else {
		h.fw = frame.NewWriter(fh)
		h.seekBuilder = &seekidx.Builder{}
	}

	// Options run only after fr/fw/buf are in place: WithThreadPool starts
	// the handle's dedicated I/O goroutine immediately, and that goroutine
	// reads h.fr (or writes via h.fw) from its very first iteration.
	for _, o := range opts {
		if err := o(h); err != nil {
			return nil, err
		}
	}

	if h.blockSize != h.buf.Cap() {
		h.buf.Grow(h.blockSize)
	}
	if !h.reading && h.genomicIndexEnabled {
		h.gBuilder = gindex.NewBuilder()
	}

	return h, nil
}

func parseLevel(digits string) (int, error) {
	if digits == "" {
		return defaultLevel, nil
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || n > 19 {
		return 0, fmt.Errorf("%w: bad level %q", ErrInvalidMode, digits)
	}
	return n, nil
}

// SetBlockSize flushes the current partial buffer, then grows the
// uncompressed buffer's target size (§4.9 "set_block_size").
func (h *Handle) SetBlockSize(n int) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if !h.reading {
		if err := h.Flush(); err != nil {
			return err
		}
	}
	h.blockSize = n
	h.buf.Grow(n)
	return nil
}

// ThreadPool attaches a shared worker pool and starts the handle's
// dedicated I/O goroutine (writer for write handles, reader for read
// handles), per §4.9 "thread_pool".
func (h *Handle) ThreadPool(pool *tpool.Pool, qsize int) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.pool != nil {
		return errors.New("bgzf2: thread pool already attached")
	}
	h.pool = pool
	h.qsize = qsize
	h.proc = pool.NewProcess(qsize)
	h.ioCtx, h.ioCancel = context.WithCancel(context.Background())
	h.ioStarted = true

	h.wg.Add(1)
	if h.reading {
		h.cmd = cmdchan.New()
		go h.readerIOTask()
	} else {
		go h.writerIOTask()
	}
	return nil
}

// multiThreaded reports whether a pool has been attached.
func (h *Handle) multiThreaded() bool { return h.pool != nil }

// CheckEOF peeks at the last bytes of the file and reports whether the
// seekable-index sentinel is present. Returns (present=true, nil) when
// found, (false, nil) when the sentinel does not match or the file is
// too short to hold a footer, and (false, err) when seeking or reading
// the tail failed (§4.9 "check_EOF").
func (h *Handle) CheckEOF() (bool, error) {
	if h.closed.Load() {
		return false, ErrClosed
	}
	ra, ok := h.fh.(iohandle.ReaderAtFile)
	if !ok {
		return false, iohandle.ErrNotSeekable
	}
	size, err := h.fh.Seek(0, io.SeekEnd)
	if err != nil {
		return false, err
	}
	if size < seekidx.FooterSize {
		return false, nil
	}
	var footer [seekidx.FooterSize]byte
	if _, err := ra.ReadAt(footer[:], size-seekidx.FooterSize); err != nil {
		return false, err
	}
	sentinel := le32(footer[5:9])
	return sentinel == frame.SeekableIndexSentinel, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Close drains pending work, writes the trailing index frames on a write
// handle, signals the reader I/O goroutine to stop on a read handle,
// joins the goroutine, and releases buffers (§4.9 "close"). It is safe
// to call more than once.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}

	var err error
	if h.reading {
		if h.ioStarted {
			h.cmd.Send(cmdchan.Command{Kind: cmdchan.Close})
			h.ioCancel()
		}
	} else {
		err = multierr.Append(err, h.drain())
		err = multierr.Append(err, h.writeTrailingIndexes())
	}

	if h.ioStarted {
		h.wg.Wait()
	}
	if h.localWS != nil {
		h.localWS.Close()
	}

	err = multierr.Append(err, h.fh.Close())
	return err
}

// AddGenomicEntry records that the record currently being written covers
// [beg,end] on reference tid, attributing it to the uncompressed start
// offset of whichever block is currently being accumulated (§4.4 "Add
// entry"). The caller must call this once per record and must have
// opened the handle with WithGenomicIndex.
func (h *Handle) AddGenomicEntry(tid int, beg, end int64) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.reading {
		return ErrNotWritable
	}
	if h.gBuilder == nil {
		return errors.New("bgzf2: genomic index not enabled, see WithGenomicIndex")
	}
	h.gBuilder.AddEntry(tid, beg, end, h.uncompWritten)
	return nil
}

func (h *Handle) writeTrailingIndexes() error {
	var err error
	if h.gBuilder != nil {
		genomic := h.gBuilder.Marshal()
		if n, werr := h.fh.Write(genomic); werr != nil {
			err = multierr.Append(err, fmt.Errorf("bgzf2: failed to write genomic index: %w", werr))
		} else {
			// Account for the genomic-index frame itself, same as the
			// header frame (writeHeader), so §8 property 3 (sum of comp
			// rows == file length minus the trailing seekable-index frame)
			// holds when WithGenomicIndex is in use.
			h.seekBuilder.Append(uint32(n), 0)
		}
	}
	if _, werr := h.fh.Write(h.seekBuilder.Marshal()); werr != nil {
		err = multierr.Append(err, fmt.Errorf("bgzf2: failed to write seekable index: %w", werr))
	}
	err = multierr.Append(err, h.fh.Flush())
	return err
}
