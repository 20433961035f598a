package bgzf2

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/saveitor/bgzf2/internal/bytebuf"
	"github.com/saveitor/bgzf2/internal/cmdchan"
	"github.com/saveitor/bgzf2/internal/frame"
	"github.com/saveitor/bgzf2/internal/gindex"
	"github.com/saveitor/bgzf2/internal/seekidx"
	"github.com/saveitor/bgzf2/internal/tpool"
	"github.com/saveitor/bgzf2/internal/zstdcodec"
	"github.com/saveitor/bgzf2/iohandle"
)

// Read copies up to len(p) bytes into p, refilling the uncompressed
// buffer via the decoder pipeline as it is exhausted. It returns 0, nil
// once the stream is at clean EOF (§4.9 "read").
func (h *Handle) Read(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if !h.reading {
		return 0, ErrNotReadable
	}
	if h.hitEOF.Load() {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		if h.buf.Remaining() == 0 {
			eof, err := h.refill()
			if err != nil {
				return total, err
			}
			if eof {
				h.hitEOF.Store(true)
				break
			}
		}
		n := h.buf.ReadAt(p[total:])
		total += n
	}
	return total, nil
}

// ReadZeroCopy returns a slice borrowed directly from the internal
// uncompressed buffer, valid only until the next call that advances the
// read cursor on this handle (§4.9 "read_zero_copy"). It borrows up to n
// bytes, at least 1 unless the stream is at EOF.
func (h *Handle) ReadZeroCopy(n int) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if !h.reading {
		return nil, ErrNotReadable
	}
	if h.buf.Remaining() == 0 {
		eof, err := h.refill()
		if err != nil {
			return nil, err
		}
		if eof {
			h.hitEOF.Store(true)
			return nil, io.EOF
		}
	}
	avail := h.buf.Remaining()
	if n > avail {
		n = avail
	}
	start := h.buf.Pos()
	h.buf.SetPos(start + n)
	return h.buf.Bytes()[start : start+n], nil
}

// GetLine reads into a freshly allocated slice until delim (consumed but
// not included) or EOF, stripping a trailing '\r' when delim is '\n'
// (§4.9 "getline").
func (h *Handle) GetLine(delim byte) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if !h.reading {
		return nil, ErrNotReadable
	}

	var out []byte
	for {
		if h.buf.Remaining() == 0 {
			if h.hitEOF.Load() {
				break
			}
			eof, err := h.refill()
			if err != nil {
				return out, err
			}
			if eof {
				h.hitEOF.Store(true)
				break
			}
			continue
		}
		chunk := h.buf.Unread()
		if idx := bytes.IndexByte(chunk, delim); idx >= 0 {
			out = append(out, chunk[:idx]...)
			h.buf.SetPos(h.buf.Pos() + idx + 1)
			return stripCR(out, delim), nil
		}
		out = append(out, chunk...)
		h.buf.SetPos(h.buf.Pos() + len(chunk))
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return stripCR(out, delim), nil
}

func stripCR(line []byte, delim byte) []byte {
	if delim == '\n' && len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

// Peek returns the next byte without consuming it (§4.9 "peek").
func (h *Handle) Peek() (byte, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if !h.reading {
		return 0, ErrNotReadable
	}
	if h.buf.Remaining() == 0 {
		eof, err := h.refill()
		if err != nil {
			return 0, err
		}
		if eof {
			h.hitEOF.Store(true)
			return 0, io.EOF
		}
	}
	return h.buf.Unread()[0], nil
}

// refill resets the exposed buffer and decodes the next block into it,
// applying any pending post-seek residual offset (§4.8's seek_to).
func (h *Handle) refill() (eof bool, err error) {
	h.buf.Reset()
	if h.multiThreaded() {
		eof, err = h.decodeBlockMT()
	} else {
		eof, err = h.decodeBlock()
	}
	if err != nil || eof {
		return eof, err
	}
	if h.seekTo > 0 {
		h.buf.SetPos(int(h.seekTo))
		h.seekTo = 0
	}
	return false, nil
}

// decodeBlock is the single-threaded decode path: frame reader + frame
// codec, output replaces the handle's uncompressed buffer (§4.7).
func (h *Handle) decodeBlock() (bool, error) {
	if h.localWS == nil {
		h.localWS = &tpool.WorkerState{}
	}
	if h.streamingDone {
		return true, nil
	}

	payload, size, err := h.fr.Next()
	if err != nil {
		if errors.Is(err, frame.ErrStreamingFallback) {
			return h.decodeStreamingFallback()
		}
		return false, err
	}
	if size.IsEOF() {
		return true, nil
	}
	if size.IsKnown() {
		if err := zstdcodec.DecompressKnownSize(h.localWS, h.buf, payload, size.Value()); err != nil {
			return false, err
		}
	} else if err := zstdcodec.DecompressStreaming(h.localWS, h.buf, payload); err != nil {
		return false, err
	}
	return false, nil
}

// decodeStreamingFallback handles a data frame with no size preface: the
// remainder of the stream is decoded as one streaming block and treated
// as the final block (§4.2's "switch to streaming mode" sentinel has no
// further framing to resume from).
func (h *Handle) decodeStreamingFallback() (bool, error) {
	rest, err := io.ReadAll(h.fr.Underlying())
	if err != nil {
		return false, err
	}
	h.streamingDone = true
	if len(rest) == 0 {
		return true, nil
	}
	if err := zstdcodec.DecompressStreaming(h.localWS, h.buf, rest); err != nil {
		return false, err
	}
	return false, nil
}

// decodeResult is what a decode job hands back to the consumer.
type decodeResult struct {
	buf *bytebuf.Buffer
	eof bool
}

// decodeBlockMT is the multi-threaded consumer side of §4.7: it waits
// for the next result in submission order and swaps the job's
// uncompressed buffer into the handle's exposed buffer with no copy. An
// EOF-sentinel result latches hitEOF.
func (h *Handle) decodeBlockMT() (bool, error) {
	res, ok := h.proc.NextResult()
	if !ok {
		return true, nil
	}
	if res.Err != nil {
		return false, res.Err
	}
	dr := res.Value.(decodeResult)
	if dr.eof {
		return true, nil
	}
	h.buf.Swap(dr.buf)
	h.bufPool.Put(dr.buf)
	return false, nil
}

// readerIOTask is the dedicated I/O goroutine for a read handle with a
// pool attached (§4.7): it repeatedly reads one frame, dispatches a
// decode job, and polls the command channel between dispatches; on EOF
// it dispatches a sentinel job so ordering is preserved and then blocks
// waiting for a command (§4.8).
func (h *Handle) readerIOTask() {
	defer h.wg.Done()
	for {
		if cmd, ok := h.cmd.TryCommand(); ok {
			if h.handleReaderCommand(cmd) {
				return
			}
		}

		payload, size, err := h.fr.Next()
		if err != nil {
			if errors.Is(err, frame.ErrStreamingFallback) {
				h.dispatchStreamingFallback()
				if h.waitForClose() {
					return
				}
				continue
			}
			h.logger.Error("frame reader failed", zapError(err))
			if h.waitForClose() {
				return
			}
			continue
		}
		if size.IsEOF() {
			h.dispatchEOFSentinel()
			if h.waitForClose() {
				return
			}
			continue
		}

		job := h.decodeJob(payload, size)
		if err := h.proc.Dispatch(h.ioCtx, job); err != nil {
			if h.ioCtx.Err() != nil {
				return
			}
			if errors.Is(err, tpool.ErrWoken) {
				// A Seek (or other command) interrupted a backpressured
				// dispatch; this frame's bytes are simply dropped, and the
				// next loop iteration picks the command up via TryCommand.
				continue
			}
			h.logger.Error("failed to dispatch decode job", zapError(err))
			return
		}
	}
}

func (h *Handle) decodeJob(payload []byte, size frame.Size) tpool.Job {
	return func(ws *tpool.WorkerState) (any, error) {
		dst := h.bufPool.Get()
		var err error
		if size.IsKnown() {
			err = zstdcodec.DecompressKnownSize(ws, dst, payload, size.Value())
		} else {
			err = zstdcodec.DecompressStreaming(ws, dst, payload)
		}
		if err != nil {
			h.bufPool.Put(dst)
			return nil, err
		}
		return decodeResult{buf: dst}, nil
	}
}

func (h *Handle) dispatchEOFSentinel() {
	_ = h.proc.Dispatch(context.Background(), func(ws *tpool.WorkerState) (any, error) {
		return decodeResult{eof: true}, nil
	})
}

func (h *Handle) dispatchStreamingFallback() {
	rest, err := io.ReadAll(h.fr.Underlying())
	_ = h.proc.Dispatch(context.Background(), func(ws *tpool.WorkerState) (any, error) {
		if err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			return decodeResult{eof: true}, nil
		}
		dst := h.bufPool.Get()
		if derr := zstdcodec.DecompressStreaming(ws, dst, rest); derr != nil {
			h.bufPool.Put(dst)
			return nil, derr
		}
		return decodeResult{buf: dst}, nil
	})
	h.dispatchEOFSentinel()
}

// waitForClose blocks the reader I/O goroutine after it has reached EOF
// or a fatal error, acting on commands via handleReaderCommand until
// either Close stops it (reports stop=true) or a Seek repositions the
// stream and hands control back to readerIOTask's normal loop
// (reports stop=false) -- §4.8's "clears hit_eof" on seek must be
// reachable even after the reader has already parked here, and a HasEOF
// probe in this state still needs a reply instead of being dropped.
func (h *Handle) waitForClose() (stop bool) {
	for {
		select {
		case cmd := <-h.cmd.Commands():
			if h.handleReaderCommand(cmd) {
				return true
			}
			if cmd.Kind == cmdchan.Seek {
				return false
			}
		case <-h.ioCtx.Done():
			return true
		}
	}
}

// handleReaderCommand processes one command from the main goroutine,
// returning true if the reader goroutine should exit (§4.8).
func (h *Handle) handleReaderCommand(cmd cmdchan.Command) bool {
	switch cmd.Kind {
	case cmdchan.Close:
		return true
	case cmdchan.Seek:
		h.proc.Reset()
		entry, err := h.seekIndex.Query(cmd.UPos)
		if err != nil {
			h.cmd.Reply(cmdchan.Reply{Kind: cmdchan.SeekFail, Err: err})
			return false
		}
		if _, err := h.fh.Seek(int64(entry.CompOffset), io.SeekStart); err != nil {
			h.cmd.Reply(cmdchan.Reply{Kind: cmdchan.SeekFail, Err: err})
			return false
		}
		h.fr = frame.NewReader(h.fh)
		h.mu.Lock()
		h.seekTo = cmd.UPos - entry.UncompOffset
		h.mu.Unlock()
		h.streamingDone = false
		h.cmd.Reply(cmdchan.Reply{Kind: cmdchan.SeekDone})
		return false
	case cmdchan.HasEOF:
		present, _ := h.CheckEOF()
		h.cmd.Reply(cmdchan.Reply{Kind: cmdchan.HasEOFDone, Present: present})
		return false
	default:
		return false
	}
}

// Seek repositions the handle to uncompressed offset upos, loading the
// seekable index on first use (§4.9 "seek", §4.8).
func (h *Handle) Seek(upos uint64) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if !h.reading {
		return ErrNotReadable
	}
	if err := h.ensureSeekIndex(); err != nil {
		return err
	}

	if h.multiThreaded() {
		h.cmd.Send(cmdchan.Command{Kind: cmdchan.Seek, UPos: upos})
		// The reader goroutine may be blocked in Dispatch on output
		// backpressure (S4: a full result queue with nobody draining it
		// because the caller is the one issuing this Seek); Wake unsticks
		// it so it loops back around to TryCommand and picks up the Seek
		// just sent, instead of leaving WaitReply to hang forever.
		h.proc.Wake()
		reply, err := h.cmd.WaitReply(h.ioCtx)
		if err != nil {
			return err
		}
		if reply.Kind == cmdchan.SeekFail {
			return reply.Err
		}
		h.buf.Reset()
		h.hitEOF.Store(false)
		return nil
	}

	entry, err := h.seekIndex.Query(upos)
	if err != nil {
		return err
	}
	if _, err := h.fh.Seek(int64(entry.CompOffset), io.SeekStart); err != nil {
		return err
	}
	h.fr = frame.NewReader(h.fh)
	h.buf.Reset()
	h.hitEOF.Store(false)
	h.streamingDone = false
	h.seekTo = upos - entry.UncompOffset
	return nil
}

// FetchFrame decodes the data frame whose size-preface starts at
// compOffset (as returned by a seekidx.Entry), deduplicating concurrent
// callers resolving the same offset -- useful when several goroutines
// each hold a Query result that happens to land on the same block and
// only want to decompress it once (§4.4, §4.9 "query").
func (h *Handle) FetchFrame(compOffset uint64) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if !h.reading {
		return nil, ErrNotReadable
	}
	ra, ok := h.fh.(iohandle.ReaderAtFile)
	if !ok {
		return nil, iohandle.ErrNotSeekable
	}

	h.mu.Lock()
	if h.frameCache == nil {
		h.frameCache = frame.NewCache(ra, func(off uint64) ([]byte, frame.Size, error) {
			payload, size, err := frame.ReadFrameAt(ra, off)
			if err != nil {
				return nil, frame.Size{}, err
			}
			dst := bytebuf.New()
			ws := &tpool.WorkerState{}
			defer ws.Close()
			if size.IsKnown() {
				err = zstdcodec.DecompressKnownSize(ws, dst, payload, size.Value())
			} else {
				err = zstdcodec.DecompressStreaming(ws, dst, payload)
			}
			if err != nil {
				return nil, frame.Size{}, err
			}
			out := make([]byte, dst.Len())
			copy(out, dst.Bytes())
			return out, size, nil
		})
	}
	cache := h.frameCache
	h.mu.Unlock()

	buf, _, err := cache.Fetch(compOffset)
	return buf, err
}

func (h *Handle) ensureSeekIndex() error {
	if h.seekIndex != nil {
		return nil
	}
	rs, ok := h.fh.(io.ReadWriteSeeker)
	if !ok {
		return iohandle.ErrNotSeekable
	}
	size, err := h.fh.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	idx, err := seekidx.Parse(rs, size)
	if err != nil {
		return err
	}
	h.seekIndex = idx
	return nil
}

// Query resolves a genomic-range coordinate to an uncompressed offset
// (§4.9 "query", §4.4), loading the genomic index on first use.
func (h *Handle) Query(tid int, beg, end int64) (uint64, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if !h.reading {
		return 0, ErrNotReadable
	}
	if err := h.ensureGenomicIndex(); err != nil {
		return 0, err
	}
	fs, _ := h.gIndex.Query(tid, beg, end)
	return fs, nil
}

// ensureGenomicIndex loads the optional genomic index on first Query,
// per §4.4 "Read": position just before the seekable index, read the
// genomic-index trailer backward to learn its length, then decode the
// full frame. A stream with no genomic index (trailer sentinel absent)
// yields an empty index rather than an error, since the genomic index is
// optional.
func (h *Handle) ensureGenomicIndex() error {
	if h.gIndex != nil {
		return nil
	}
	if err := h.ensureSeekIndex(); err != nil {
		h.gIndex = gindex.Empty()
		return nil
	}

	ra, ok := h.fh.(iohandle.ReaderAtFile)
	if !ok {
		h.gIndex = gindex.Empty()
		return nil
	}
	fileSize, err := h.fh.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	endOfGenomic := fileSize - int64(h.seekIndex.FrameSize())

	var trailer [8]byte
	if endOfGenomic < 8 {
		h.gIndex = gindex.Empty()
		return nil
	}
	if _, err := ra.ReadAt(trailer[:], endOfGenomic-8); err != nil {
		h.gIndex = gindex.Empty()
		return nil
	}
	declaredLen := le32(trailer[0:4])
	sentinel := le32(trailer[4:8])
	if sentinel != frame.GenomicIndexSentinel {
		h.gIndex = gindex.Empty()
		return nil
	}

	frameStart := endOfGenomic - int64(declaredLen)
	if frameStart < 0 {
		h.gIndex = gindex.Empty()
		return nil
	}
	buf := make([]byte, declaredLen)
	if _, err := ra.ReadAt(buf, frameStart); err != nil {
		return err
	}
	idx, err := gindex.Parse(buf)
	if err != nil {
		return err
	}
	h.gIndex = idx
	return nil
}
