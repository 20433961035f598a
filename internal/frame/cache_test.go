package frame

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheFetchDedupesConcurrentCallers(t *testing.T) {
	var calls int32
	var ready = make(chan struct{})
	var release = make(chan struct{})

	c := NewCache(nil, func(off uint64) ([]byte, Size, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(ready)
			<-release
		}
		return []byte("decoded"), Known(7), nil
	})

	const n = 5
	var wg sync.WaitGroup
	results := make([][]byte, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			buf, _, err := c.Fetch(42)
			require.NoError(t, err)
			results[i] = buf
		}(i)
	}

	<-ready
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent Fetch calls for the same offset must collapse onto one decode")
	for _, r := range results {
		require.Equal(t, []byte("decoded"), r)
	}
}

func TestCacheFetchPropagatesError(t *testing.T) {
	sentinel := require.Error
	c := NewCache(nil, func(off uint64) ([]byte, Size, error) {
		return nil, Size{}, errSentinel
	})
	_, _, err := c.Fetch(1)
	sentinel(t, err)
	require.ErrorIs(t, err, errSentinel)
}

var errSentinel = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
