package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterWriteDataFrameRoundTripsThroughReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	frameBytes := zstdFrameWithContentSize([]byte("payload"), 7)
	preface, payload, err := w.WriteDataFrame(frameBytes)
	require.NoError(t, err)
	require.Equal(t, 12, preface, "size-preface frame is 8-byte header + 4-byte length")
	require.Equal(t, len(frameBytes), payload)
	require.Equal(t, uint64(preface+payload), w.CompOffset())

	r := NewReader(&buf)
	got, size, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, frameBytes, got)
	require.True(t, size.IsKnown())
	require.Equal(t, uint64(7), size.Value())
}

func TestWriterWriteDataFrameIsReadableViaReadFrameAt(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	_, _, err := w.WriteDataFrame(zstdFrameWithContentSize([]byte("first"), 5))
	require.NoError(t, err)
	secondOffset := w.CompOffset()
	frameBytes := zstdFrameWithContentSize([]byte("second"), 6)
	_, _, err = w.WriteDataFrame(frameBytes)
	require.NoError(t, err)

	got, size, err := ReadFrameAt(bytes.NewReader(buf.Bytes()), secondOffset)
	require.NoError(t, err)
	require.Equal(t, frameBytes, got)
	require.Equal(t, uint64(6), size.Value())
}

func TestWriteSkippableTracksCompOffset(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	n, err := w.WriteSkippable(HeaderMagic, []byte("BGZ2"))
	require.NoError(t, err)
	require.Equal(t, uint64(n), w.CompOffset())
	require.Equal(t, 12, n)
}
