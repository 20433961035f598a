package gindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddEntryWidensWithinSameFrame(t *testing.T) {
	b := NewBuilder()
	b.AddEntry(0, 100, 200, 1000)
	b.AddEntry(0, 50, 150, 1000) // same frameStart -> widen, not a new row

	list := b.byTid[1]
	require.Len(t, list, 1)
	require.Equal(t, int64(50), list[0].Beg)
	require.Equal(t, int64(200), list[0].End)
}

func TestAddEntryAppendsOnNewFrame(t *testing.T) {
	b := NewBuilder()
	b.AddEntry(0, 100, 200, 1000)
	b.AddEntry(0, 300, 400, 2000)

	list := b.byTid[1]
	require.Len(t, list, 2)
	require.Equal(t, int64(300), list[1].Beg)
}

func TestAddEntryShiftsTidByOne(t *testing.T) {
	b := NewBuilder()
	b.AddEntry(0, 1, 2, 10)
	require.Contains(t, b.byTid, uint32(1))
	require.NotContains(t, b.byTid, uint32(0))
}

func TestMarshalParseRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.AddEntry(0, 100, 200, 1000)
	b.AddEntry(0, 300, 400, 2000)
	b.AddEntry(1, 10, 20, 3000)

	buf := b.Marshal()
	idx, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(len(buf)), idx.Size())

	fs, ok := idx.Query(0, 150, 160)
	require.True(t, ok)
	require.Equal(t, uint64(1000), fs)

	fs, ok = idx.Query(1, 15, 16)
	require.True(t, ok)
	require.Equal(t, uint64(3000), fs)
}

func TestQueryFallsThroughToLaterTid(t *testing.T) {
	b := NewBuilder()
	b.AddEntry(0, 100, 200, 1000)
	b.AddEntry(2, 10, 20, 5000)

	idx, err := Parse(b.Marshal())
	require.NoError(t, err)

	// tid 1 has no coverage anywhere near beg=900; falls through to the
	// next higher tid present in the index (tid 2, shifted to 3).
	fs, ok := idx.Query(1, 900, 1000)
	require.True(t, ok)
	require.Equal(t, uint64(5000), fs)
}

func TestQueryReturnsEOFSentinelWhenNoCoverageAnywhere(t *testing.T) {
	b := NewBuilder()
	b.AddEntry(0, 100, 200, 1000)
	idx, err := Parse(b.Marshal())
	require.NoError(t, err)

	fs, ok := idx.Query(5, 0, 10)
	require.False(t, ok)
	require.Equal(t, EOFFrameStart, fs)
}

func TestEmptyIndexAlwaysMissesAndReturnsEOF(t *testing.T) {
	idx := Empty()
	fs, ok := idx.Query(0, 0, 100)
	require.False(t, ok)
	require.Equal(t, EOFFrameStart, fs)
	require.Equal(t, uint64(0), idx.Size())
}

func TestParseRejectsBadSentinel(t *testing.T) {
	b := NewBuilder()
	b.AddEntry(0, 1, 2, 10)
	buf := b.Marshal()
	buf[len(buf)-4] ^= 0xFF // corrupt sentinel byte

	_, err := Parse(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestParseRejectsShortBuffer(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorrupt)
}
