package tpool

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error { f.closed = true; return nil }

func TestGetOrCreateCachesValue(t *testing.T) {
	ws := &WorkerState{}
	calls := 0
	create := func() (io.Closer, error) {
		calls++
		return &fakeCloser{}, nil
	}

	v1, err := ws.GetOrCreate("k", create)
	require.NoError(t, err)
	v2, err := ws.GetOrCreate("k", create)
	require.NoError(t, err)

	require.Same(t, v1, v2)
	require.Equal(t, 1, calls)
}

func TestGetOrCreatePropagatesCreateError(t *testing.T) {
	ws := &WorkerState{}
	boom := errors.New("boom")
	_, err := ws.GetOrCreate("k", func() (io.Closer, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}

func TestCloseReleasesAllCachedValues(t *testing.T) {
	ws := &WorkerState{}
	a := &fakeCloser{}
	b := &fakeCloser{}
	_, err := ws.GetOrCreate("a", func() (io.Closer, error) { return a, nil })
	require.NoError(t, err)
	_, err = ws.GetOrCreate("b", func() (io.Closer, error) { return b, nil })
	require.NoError(t, err)

	ws.Close()
	require.True(t, a.closed)
	require.True(t, b.closed)

	// A fresh GetOrCreate after Close creates a new value rather than
	// reusing the closed one.
	calls := 0
	_, err = ws.GetOrCreate("a", func() (io.Closer, error) {
		calls++
		return &fakeCloser{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
