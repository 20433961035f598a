// Package zstdcodec implements the frame codec (§4.1): compressing one
// uncompressed block and decompressing one Zstd frame, using a
// goroutine-local cached encoder/decoder pair (see tpool.WorkerState) the
// way the design's thread-local Zstd contexts are rendered safely (§9).
package zstdcodec

import (
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/saveitor/bgzf2/internal/bytebuf"
	"github.com/saveitor/bgzf2/internal/tpool"
)

// MaxBlockSize is BGZF2_MAX_BLOCK_SIZE (§4.1): any frame whose advertised
// uncompressed size exceeds this is rejected before allocation.
const MaxBlockSize = 1 << 30

// ErrTooLarge is returned when a frame's advertised or actual size would
// exceed MaxBlockSize.
var ErrTooLarge = fmt.Errorf("bgzf2: frame exceeds max block size of %d bytes", MaxBlockSize)

// ErrSizeMismatch indicates the decompressed length did not match the
// frame's advertised content size -- tamper/corruption detection.
var ErrSizeMismatch = fmt.Errorf("bgzf2: decompressed size does not match advertised content size")

type closableEncoder struct{ *zstd.Encoder }
type closableDecoder struct{ *zstd.Decoder }

func (c closableDecoder) Close() error { c.Decoder.Close(); return nil }

func encoderKey(level int) string { return "zstd-enc-" + strconv.Itoa(level) }

const decoderKey = "zstd-dec"

func getEncoder(ws *tpool.WorkerState, level int) (*zstd.Encoder, error) {
	v, err := ws.GetOrCreate(encoderKey(level), func() (io.Closer, error) {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderCRC(true))
		if err != nil {
			return nil, err
		}
		return closableEncoder{enc}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(closableEncoder).Encoder, nil
}

func getDecoder(ws *tpool.WorkerState) (*zstd.Decoder, error) {
	v, err := ws.GetOrCreate(decoderKey, func() (io.Closer, error) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		return closableDecoder{dec}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(closableDecoder).Decoder, nil
}

// CompressBlock compresses src at the given level using ws's cached
// encoder for that level (ws keeps one encoder per level, since high
// levels allocate large working state that is worth reusing across
// calls), replacing dst's previous contents with the result and
// returning the compressed length.
func CompressBlock(ws *tpool.WorkerState, dst *bytebuf.Buffer, src []byte, level int) (int, error) {
	if len(src) > MaxBlockSize {
		return 0, ErrTooLarge
	}
	enc, err := getEncoder(ws, level)
	if err != nil {
		return 0, fmt.Errorf("bgzf2: failed to acquire zstd encoder: %w", err)
	}
	out := enc.EncodeAll(src, dst.Bytes()[:0])
	dst.ReplaceWith(out)
	return len(out), nil
}

// DecompressKnownSize one-shot decompresses src, which must produce
// exactly contentSize bytes, into dst. It fails on any length mismatch,
// which is how truncation or tampering is detected (§4.1 "known size"
// mode).
func DecompressKnownSize(ws *tpool.WorkerState, dst *bytebuf.Buffer, src []byte, contentSize uint64) error {
	if contentSize > MaxBlockSize {
		return ErrTooLarge
	}
	dec, err := getDecoder(ws)
	if err != nil {
		return fmt.Errorf("bgzf2: failed to acquire zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(src, make([]byte, 0, contentSize))
	if err != nil {
		return fmt.Errorf("bgzf2: zstd decode failed: %w", err)
	}
	if uint64(len(out)) != contentSize {
		return ErrSizeMismatch
	}
	dst.ReplaceWith(out)
	return nil
}

// initialStreamingGuess and the growth schedule below implement §4.1's
// "unknown size" streaming decompression: an initial guess, a first
// growth formula while input remains, and a slower linear growth once
// input is exhausted but the engine still reports residual output.
func initialStreamingGuess(inputSize int) int {
	guess := inputSize * 4
	if guess < 8192 {
		guess = 8192
	}
	return guess
}

func growWithInputRemaining(inputSize, consumed, current int) int {
	if consumed == 0 {
		consumed = 1
	}
	grown := int(float64(inputSize)/float64(consumed)*1.05*float64(current)) + 1000
	min := current + 10000
	if grown < min {
		return min
	}
	return grown
}

func growAfterInputExhausted(current int) int {
	return int(float64(current)*1.5) + 100000
}

// DecompressStreaming decompresses src without a known content size,
// growing dst dynamically per the schedule above, using klauspost/zstd's
// streaming Reader (reset onto src for each call so the cached *zstd.Decoder
// in ws is still reused rather than allocating a fresh one per frame).
func DecompressStreaming(ws *tpool.WorkerState, dst *bytebuf.Buffer, src []byte) error {
	dec, err := getDecoder(ws)
	if err != nil {
		return fmt.Errorf("bgzf2: failed to acquire zstd decoder: %w", err)
	}

	guess := initialStreamingGuess(len(src))
	if guess > MaxBlockSize {
		guess = MaxBlockSize
	}
	out := make([]byte, 0, guess)

	sr := byteSliceReader{b: src}
	if err := dec.Reset(&sr); err != nil {
		return fmt.Errorf("bgzf2: zstd stream reset failed: %w", err)
	}

	chunk := make([]byte, 4096)
	inputExhausted := false
	for {
		n, rerr := dec.Read(chunk)
		if n > 0 {
			if len(out)+n > MaxBlockSize {
				return ErrTooLarge
			}
			out = append(out, chunk[:n]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("bgzf2: zstd streaming decode failed: %w", rerr)
		}

		consumed := len(src) - sr.remaining()
		var nextCap int
		if !inputExhausted && sr.remaining() > 0 {
			nextCap = growWithInputRemaining(len(src), consumed, cap(out))
		} else {
			inputExhausted = true
			nextCap = growAfterInputExhausted(cap(out))
		}
		if nextCap > MaxBlockSize {
			nextCap = MaxBlockSize
		}
		if nextCap > cap(out) {
			grown := make([]byte, len(out), nextCap)
			copy(grown, out)
			out = grown
		}
	}

	dst.ReplaceWith(out)
	return nil
}

// byteSliceReader is a minimal io.Reader over a byte slice that tracks
// how much of the slice remains, used so the growth schedule can compute
// "input remaining" without importing bytes.Reader's extra surface.
type byteSliceReader struct {
	b   []byte
	off int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

func (r *byteSliceReader) remaining() int { return len(r.b) - r.off }
