package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Writer emits frames and tracks the running compressed offset, needed
// both to report progress and to build seek-table entries as frames are
// written (§4.6 "Frame writer: emit the per-frame preface + Zstd frame;
// track compressed offset").
type Writer struct {
	w         io.Writer
	compBytes uint64
}

// NewWriter wraps w for frame emission.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// CompOffset returns the number of compressed bytes written so far.
func (fw *Writer) CompOffset() uint64 { return fw.compBytes }

// WriteSkippable emits a single skippable frame and returns its total
// on-disk size (including the 8-byte header).
func (fw *Writer) WriteSkippable(magic uint32, payload []byte) (int, error) {
	buf := CreateSkippable(magic, payload)
	n, err := fw.w.Write(buf)
	fw.compBytes += uint64(n)
	if err != nil {
		return n, fmt.Errorf("bgzf2: failed to write skippable frame: %w", err)
	}
	if n != len(buf) {
		return n, fmt.Errorf("bgzf2: short write of skippable frame: %d of %d", n, len(buf))
	}
	return n, nil
}

// WriteDataFrame emits the size-preface frame followed by the compressed
// payload. It returns their sizes separately, since the seekable index
// (§4.3) records the size-preface and the data frame as two distinct
// entries -- a zero-uncomp row the query walk-back lands on, followed by
// the data-carrying row.
func (fw *Writer) WriteDataFrame(compressed []byte) (prefaceLen, payloadLen int, err error) {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(compressed)))
	prefaceLen, err = fw.WriteSkippable(SizePrefaceMagic, lb[:])
	if err != nil {
		return prefaceLen, 0, err
	}

	n2, err := fw.w.Write(compressed)
	fw.compBytes += uint64(n2)
	if err != nil {
		return prefaceLen, n2, fmt.Errorf("bgzf2: failed to write data frame: %w", err)
	}
	if n2 != len(compressed) {
		return prefaceLen, n2, fmt.Errorf("bgzf2: short write of data frame: %d of %d", n2, len(compressed))
	}
	return prefaceLen, n2, nil
}
