package bytebuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolReusesPutBuffers(t *testing.T) {
	p := NewPool(2)
	b := p.Get()
	b.Append([]byte("stale data"))
	p.Put(b)

	got := p.Get()
	require.Same(t, b, got, "Get after Put should return the same buffer instance")
	require.Equal(t, 0, got.Len(), "Get must Reset the buffer before handing it back out")
}

func TestPoolDropsBuffersBeyondMax(t *testing.T) {
	p := NewPool(1)
	a := New()
	b := New()

	p.Put(a)
	p.Put(b) // dropped, pool already holds max=1

	first := p.Get()
	require.Same(t, a, first)

	second := p.Get()
	require.NotSame(t, b, second, "excess Put beyond max should not be retained")
}

func TestPoolGetWithEmptyFreeListReturnsFreshBuffer(t *testing.T) {
	p := NewPool(4)
	b := p.Get()
	require.NotNil(t, b)
	require.Equal(t, 0, b.Len())
}
