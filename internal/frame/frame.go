// Package frame implements the on-disk frame layer (§4.2, §6): the
// skippable-frame wrapper shared by every auxiliary frame, the
// size-preface convention borrowed from pzstd, and the reader that walks
// a compressed stream one frame at a time while transparently skipping
// frames it does not recognize.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire magics (§6, little-endian on disk).
const (
	SizePrefaceMagic   uint32 = 0x184D2A50
	HeaderMagic        uint32 = 0x184D2A5B
	GenomicIndexMagic  uint32 = 0x184D2A5B
	SeekableIndexMagic uint32 = 0x184D2A5E

	SkippableMagicLow  uint32 = 0x184D2A50
	SkippableMagicHigh uint32 = 0x184D2A5F

	GenomicIndexSentinel  uint32 = 0x8F92EABB
	SeekableIndexSentinel uint32 = 0x8F92EAB1

	zstdFrameMagic uint32 = 0xFD2FB528
)

// HeaderTag is the 4-byte prefix BGZF2 stamps at the start of its header
// skippable frame, used for content sniffing.
const HeaderTag = "BGZ2"

// HeaderMaxPayload bounds the plaintext sniffing bytes carried by the
// header frame, beyond the 4-byte tag.
const HeaderMaxPayload = 16

// ErrStreamingFallback is returned by Reader.Next when the next frame in
// the stream is a plain Zstd data frame with no preceding size-preface
// frame -- the design's "switch to streaming mode" sentinel (§4.2). The
// magic bytes that triggered it are NOT consumed; the caller must read
// the remaining stream directly with a streaming Zstd decoder.
var ErrStreamingFallback = errors.New("bgzf2: frame has no size preface, switching to streaming mode")

// CreateSkippable returns tag||payload wrapped as a Zstd skippable frame:
// magic (4 bytes LE) followed by a 4-byte LE payload length, then the
// payload itself.
func CreateSkippable(magic uint32, payload []byte) []byte {
	dst := make([]byte, 8, 8+len(payload))
	binary.LittleEndian.PutUint32(dst[0:], magic)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(payload)))
	return append(dst, payload...)
}

// IsSkippableMagic reports whether magic falls in the reserved skippable
// range 0x184D2A50..0x184D2A5F that any Zstd-compliant decoder, including
// a stock one, must skip without interpreting.
func IsSkippableMagic(magic uint32) bool {
	return magic >= SkippableMagicLow && magic <= SkippableMagicHigh
}

// Size is the sum type DESIGN NOTES §9 asks for in place of the
// INT_MAX-as-"unknown" sentinel the original uses: a frame's advertised
// content size is Known, Unknown (streaming mode required), or the
// stream has reached clean EOF.
type Size struct {
	known bool
	eof   bool
	n     uint64
}

// Known returns a Size carrying a definite content length.
func Known(n uint64) Size { return Size{known: true, n: n} }

// Unknown returns a Size meaning "decompress in streaming mode".
func Unknown() Size { return Size{} }

// EOF returns a Size meaning "clean end of stream".
func EOF() Size { return Size{eof: true} }

func (s Size) IsKnown() bool { return s.known }
func (s Size) IsEOF() bool   { return s.eof }
func (s Size) Value() uint64 { return s.n }

// Reader pulls one Zstd frame at a time from a compressed stream,
// transparently skipping any skippable frame it does not specifically
// recognize, per §4.2's ordering guarantee: frames are delivered to
// consumers in file order.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for frame-at-a-time reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64<<10)}
}

// Next reads exactly one data frame, returning its compressed bytes
// (including the zstd frame itself, but not the size-preface header) and
// its advertised content size. On clean EOF it returns (nil, EOF(), nil).
// On encountering a frame with no size preface it returns
// ErrStreamingFallback without consuming any bytes of that frame.
func (fr *Reader) Next() ([]byte, Size, error) {
	for {
		head, err := fr.br.Peek(8)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(head) == 0 {
					return nil, EOF(), nil
				}
				return nil, Size{}, fmt.Errorf("bgzf2: truncated frame header: %w", io.ErrUnexpectedEOF)
			}
			return nil, Size{}, err
		}

		magic := binary.LittleEndian.Uint32(head[0:4])
		length := binary.LittleEndian.Uint32(head[4:8])

		if magic == SizePrefaceMagic && length == 4 {
			if _, err := fr.br.Discard(8); err != nil {
				return nil, Size{}, err
			}
			var lb [4]byte
			if _, err := io.ReadFull(fr.br, lb[:]); err != nil {
				return nil, Size{}, fmt.Errorf("bgzf2: failed to read size preface payload: %w", err)
			}
			n := binary.LittleEndian.Uint32(lb[:])
			payload := make([]byte, n)
			if _, err := io.ReadFull(fr.br, payload); err != nil {
				return nil, Size{}, fmt.Errorf("bgzf2: failed to read data frame (%d bytes): %w", n, err)
			}
			if cs, ok := peekContentSize(payload); ok {
				return payload, Known(cs), nil
			}
			return payload, Unknown(), nil
		}

		if IsSkippableMagic(magic) {
			if _, err := fr.br.Discard(8); err != nil {
				return nil, Size{}, err
			}
			if _, err := fr.br.Discard(int(length)); err != nil {
				return nil, Size{}, fmt.Errorf("bgzf2: failed to skip frame (%d bytes): %w", length, err)
			}
			continue
		}

		return nil, Size{}, ErrStreamingFallback
	}
}

// ReadFrameAt reads one data frame in ra starting at or after compOffset,
// without going through a sequential Reader, for random-access callers
// (a seekidx.Index.Query result may land on a skippable frame -- the
// stream header, or another frame's size-preface -- that precedes the
// actual data frame, the same way Reader.Next transparently steps over
// skippable frames it does not specifically act on). It returns the
// frame's compressed bytes and advertised content size, same contract as
// Reader.Next for a data frame.
func ReadFrameAt(ra io.ReaderAt, compOffset uint64) ([]byte, Size, error) {
	off := int64(compOffset)
	for {
		var head [8]byte
		if _, err := ra.ReadAt(head[:], off); err != nil {
			return nil, Size{}, fmt.Errorf("bgzf2: failed to read frame header at %d: %w", off, err)
		}
		magic := binary.LittleEndian.Uint32(head[0:4])
		length := binary.LittleEndian.Uint32(head[4:8])

		if magic == SizePrefaceMagic && length == 4 {
			var lb [4]byte
			if _, err := ra.ReadAt(lb[:], off+8); err != nil {
				return nil, Size{}, fmt.Errorf("bgzf2: failed to read size-preface payload at %d: %w", off, err)
			}
			n := binary.LittleEndian.Uint32(lb[:])
			payload := make([]byte, n)
			if _, err := ra.ReadAt(payload, off+12); err != nil {
				return nil, Size{}, fmt.Errorf("bgzf2: failed to read data frame (%d bytes) at %d: %w", n, off, err)
			}
			if cs, ok := peekContentSize(payload); ok {
				return payload, Known(cs), nil
			}
			return payload, Unknown(), nil
		}

		if IsSkippableMagic(magic) {
			off += 8 + int64(length)
			continue
		}

		return nil, Size{}, fmt.Errorf("bgzf2: no size-preface frame found starting at offset %d", compOffset)
	}
}

// Underlying exposes the buffered reader so a caller that received
// ErrStreamingFallback can hand the exact same byte stream (with nothing
// lost to buffering) to a streaming Zstd decoder.
func (fr *Reader) Underlying() io.Reader { return fr.br }

// peekContentSize decodes just enough of a standard Zstd frame header to
// learn whether Frame_Content_Size is present and, if so, its value. This
// duplicates a small, stable piece of the public Zstd frame format
// (https://github.com/facebook/zstd/blob/dev/doc/zstd_compression_format.md#frame_header)
// rather than depend on compression-library internals for a single bit
// of metadata.
func peekContentSize(buf []byte) (uint64, bool) {
	if len(buf) < 6 {
		return 0, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != zstdFrameMagic {
		return 0, false
	}
	fhd := buf[4]
	singleSegment := fhd&(1<<5) != 0
	fcsFlag := fhd >> 6
	dictIDFlag := fhd & 0x3

	pos := 5
	if !singleSegment {
		pos++ // Window_Descriptor
	}
	switch dictIDFlag {
	case 1:
		pos++
	case 2:
		pos += 2
	case 3:
		pos += 4
	}

	var fcsSize int
	switch fcsFlag {
	case 0:
		if singleSegment {
			fcsSize = 1
		}
	case 1:
		fcsSize = 2
	case 2:
		fcsSize = 4
	case 3:
		fcsSize = 8
	}
	if fcsSize == 0 || len(buf) < pos+fcsSize {
		return 0, false
	}

	switch fcsSize {
	case 1:
		return uint64(buf[pos]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf[pos:])) + 256, true
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf[pos:])), true
	default:
		return binary.LittleEndian.Uint64(buf[pos:]), true
	}
}
