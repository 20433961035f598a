package bytebuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGrowNeverShrinks(t *testing.T) {
	b := NewSize(64)
	require.GreaterOrEqual(t, b.Cap(), 64)

	b.Grow(16)
	require.GreaterOrEqual(t, b.Cap(), 64, "Grow with a smaller n must not shrink capacity")
}

func TestAppendGrowsAndPreservesPriorBytes(t *testing.T) {
	b := New()
	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	require.Equal(t, "hello world", string(b.Bytes()))
}

func TestResetKeepsAllocation(t *testing.T) {
	b := NewSize(128)
	b.Append([]byte("payload"))
	capBefore := b.Cap()

	b.Reset()
	require.Equal(t, 0, b.Len())
	require.Equal(t, 0, b.Pos())
	require.Equal(t, capBefore, b.Cap())
}

func TestReadAtAdvancesCursor(t *testing.T) {
	b := New()
	b.Append([]byte("abcdef"))

	dst := make([]byte, 3)
	n := b.ReadAt(dst)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(dst))
	require.Equal(t, 3, b.Remaining())

	n = b.ReadAt(dst)
	require.Equal(t, 3, n)
	require.Equal(t, "def", string(dst))
	require.Equal(t, 0, b.Remaining())
}

func TestSwapExchangesBackingStorage(t *testing.T) {
	a := New()
	a.Append([]byte("first"))
	c := New()
	c.Append([]byte("second"))

	a.Swap(c)
	require.Equal(t, "second", string(a.Bytes()))
	require.Equal(t, "first", string(c.Bytes()))
}

func TestReplaceWithTakesOwnership(t *testing.T) {
	b := New()
	b.Append([]byte("stale"))

	fresh := []byte("fresh content")
	b.ReplaceWith(fresh)
	require.Equal(t, fresh, b.Bytes())
	require.Equal(t, 0, b.Pos())
}

func TestCommitWriteAfterDirectFreeWrite(t *testing.T) {
	b := NewSize(16)
	free := b.Free()
	require.GreaterOrEqual(t, len(free), 3)
	copy(free, []byte("xyz"))
	b.CommitWrite(3)
	require.Equal(t, "xyz", string(b.Bytes()))
}

func TestUnreadReturnsOnlyUnconsumedTail(t *testing.T) {
	b := New()
	b.Append([]byte("0123456789"))
	b.SetPos(4)
	require.Equal(t, "456789", string(b.Unread()))
}
