package bgzf2

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/saveitor/bgzf2/internal/bytebuf"
	"github.com/saveitor/bgzf2/internal/frame"
	"github.com/saveitor/bgzf2/internal/tpool"
	"github.com/saveitor/bgzf2/internal/zstdcodec"
)

// blockChecksum is the lower 32 bits of XXH64(content), the per-entry
// seek-table checksum the teacher's Write computes independent of Zstd's
// own frame checksum (DESIGN.md, internal/seekidx).
func blockChecksum(content []byte) uint32 {
	return uint32((xxhash.Sum64(content) << 32) >> 32)
}

// flushHostEvery is how many completed jobs the writer I/O goroutine lets
// pass before issuing a best-effort host flush, spreading fsync cost
// across the stream (§4.6 "every 32 completed jobs").
const flushHostEvery = 32

// Write copies p into the current buffer, flushing when full (§4.9
// "write"). When canSplit is false and the remaining input would cross a
// block boundary, the current block is flushed first; if p itself
// exceeds the block size the buffer is grown to hold it whole rather
// than being split.
func (h *Handle) Write(p []byte, canSplit bool) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if h.reading {
		return 0, ErrNotWritable
	}

	if !canSplit {
		if h.buf.Len() > 0 && h.buf.Len()+len(p) > h.blockSize {
			if err := h.Flush(); err != nil {
				return 0, err
			}
		}
		if len(p) > h.blockSize {
			h.buf.Grow(len(p))
		}
		h.buf.Append(p)
		return len(p), nil
	}

	total := 0
	for len(p) > 0 {
		if h.buf.Len() >= h.blockSize {
			if err := h.Flush(); err != nil {
				return total, err
			}
		}
		space := h.blockSize - h.buf.Len()
		n := len(p)
		if n > space {
			n = space
		}
		h.buf.Append(p[:n])
		p = p[n:]
		total += n
	}
	return total, nil
}

// FlushTry flushes now if the next size bytes would overflow the current
// buffer, then records lastFlushTry so a later genomic-index AddEntry
// call can discover the exact sub-block offset of the record about to be
// written (§4.9 "flush_try").
func (h *Handle) FlushTry(size int) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.reading {
		return ErrNotWritable
	}
	if h.buf.Len()+size > h.blockSize {
		if err := h.Flush(); err != nil {
			return err
		}
	}
	h.lastFlushTry = h.buf.Len()
	return nil
}

// Flush emits the current partial buffer. The first ever flush also
// writes the header skippable frame first (§4.9 "flush_try" / §4.6
// "Flush / drain").
func (h *Handle) Flush() error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.reading {
		return ErrNotWritable
	}

	if !h.headerWritten {
		if err := h.writeHeader(); err != nil {
			return err
		}
		h.headerWritten = true
	}
	if h.buf.Len() == 0 {
		return nil
	}

	var err error
	if h.multiThreaded() {
		err = h.writeBlockMT()
	} else {
		err = h.writeBlock()
	}
	h.buf.Reset()
	h.lastFlushTry = 0
	return err
}

func (h *Handle) writeHeader() error {
	n, err := h.fw.WriteSkippable(frame.HeaderMagic, []byte(frame.HeaderTag))
	if err != nil {
		return err
	}
	h.seekBuilder.Append(uint32(n), 0)
	return nil
}

// writeBlock is the single-threaded path: compress synchronously, emit
// preface + payload, append a seekable-index entry (§4.6).
func (h *Handle) writeBlock() error {
	if h.localWS == nil {
		h.localWS = &tpool.WorkerState{}
	}
	if h.scratch == nil {
		h.scratch = bytebuf.New()
	}

	content := h.buf.Bytes()
	n, err := zstdcodec.CompressBlock(h.localWS, h.scratch, content, h.level)
	if err != nil {
		return fmt.Errorf("bgzf2: compress failed: %w", err)
	}
	compressed := h.scratch.Bytes()[:n]
	checksum := blockChecksum(content)

	preface, payload, err := h.fw.WriteDataFrame(compressed)
	if err != nil {
		return err
	}
	h.seekBuilder.Append(uint32(preface), 0)
	h.seekBuilder.AppendChecksummed(uint32(payload), uint32(h.buf.Len()), checksum)
	h.uncompWritten += uint64(h.buf.Len())
	return nil
}

// writeResult is what a compression job hands back to the writer I/O
// goroutine: the compressed bytes and the uncompressed length needed to
// build the seekable-index entry.
type writeResult struct {
	compressed []byte
	uncompLen  int
	checksum   uint32
}

// writeBlockMT implements §4.6's multi-threaded path: copy the current
// buffer into a job-owned slice (so the caller can keep writing
// immediately), bump jobsPending, and dispatch compression to the
// worker pool. The writer I/O goroutine applies results in order.
func (h *Handle) writeBlockMT() error {
	src := make([]byte, h.buf.Len())
	copy(src, h.buf.Bytes())

	job := func(ws *tpool.WorkerState) (any, error) {
		dst := h.bufPool.Get()
		defer h.bufPool.Put(dst)
		n, err := zstdcodec.CompressBlock(ws, dst, src, h.level)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, dst.Bytes()[:n])
		return writeResult{compressed: out, uncompLen: len(src), checksum: blockChecksum(src)}, nil
	}

	h.jobsPending.Inc()
	if err := h.proc.Dispatch(context.Background(), job); err != nil {
		h.jobsPending.Dec()
		return fmt.Errorf("bgzf2: failed to dispatch compress job: %w", err)
	}
	h.uncompWritten += uint64(len(src))
	return nil
}

// writerIOTask is the dedicated I/O goroutine for a write handle with a
// pool attached: it pulls completed jobs in submission order and, for
// each, emits the size-preface and the compressed payload, appends the
// two seekable-index rows under lock, and decrements jobsPending. Every
// flushHostEvery jobs it invokes a best-effort host flush.
func (h *Handle) writerIOTask() {
	defer h.wg.Done()
	completed := 0
	for {
		res, ok := h.proc.NextResult()
		if !ok {
			return
		}
		if res.Err != nil {
			h.jobsPending.Dec()
			h.logger.Error("compress job failed", zapError(res.Err))
			continue
		}
		wr := res.Value.(writeResult)

		preface, payload, err := h.fw.WriteDataFrame(wr.compressed)
		if err != nil {
			h.jobsPending.Dec()
			h.logger.Error("failed to write data frame", zapError(err))
			continue
		}

		h.mu.Lock()
		h.seekBuilder.Append(uint32(preface), 0)
		h.seekBuilder.AppendChecksummed(uint32(payload), uint32(wr.uncompLen), wr.checksum)
		h.mu.Unlock()

		h.jobsPending.Dec()
		completed++
		if completed%flushHostEvery == 0 {
			if err := h.fh.Flush(); err != nil {
				h.logger.Warn("periodic host flush failed", zapError(err))
			}
		}
	}
}

// drain flushes the current buffer, waits for every dispatched job to
// complete, then releases the process's reference so the writer I/O
// goroutine's NextResult loop terminates and can be joined (§4.6 "Flush
// / drain").
func (h *Handle) drain() error {
	if err := h.Flush(); err != nil {
		return err
	}
	if !h.multiThreaded() {
		return nil
	}
	for h.jobsPending.Load() > 0 {
		// The writer I/O goroutine is draining proc.NextResult concurrently;
		// yield until it has caught up.
		quiesce()
	}
	h.proc.RefDecr()
	return nil
}
