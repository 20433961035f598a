package tpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchAndNextResultPreserveOrder(t *testing.T) {
	p := New(4)
	defer p.Destroy()

	pr := p.NewProcess(8)
	const n = 20
	for i := 0; i < n; i++ {
		i := i
		err := pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) {
			return i, nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		r, ok := pr.NextResult()
		require.True(t, ok)
		require.NoError(t, r.Err)
		require.Equal(t, i, r.Value)
	}
}

func TestDispatchPropagatesJobError(t *testing.T) {
	p := New(2)
	defer p.Destroy()

	pr := p.NewProcess(4)
	boom := errors.New("boom")
	require.NoError(t, pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) {
		return nil, boom
	}))

	r, ok := pr.NextResult()
	require.True(t, ok)
	require.ErrorIs(t, r.Err, boom)
}

func TestDispatchRespectsContextCancellation(t *testing.T) {
	p := New(1)
	defer p.Destroy()

	pr := p.NewProcess(1)
	// Fill the queue with one slow job so the process's in-flight queue
	// (depth 1) is at capacity and a second Dispatch would block.
	block := make(chan struct{})
	require.NoError(t, pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) {
		<-block
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pr.Dispatch(ctx, func(ws *WorkerState) (any, error) { return nil, nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	_, ok := pr.NextResult()
	require.True(t, ok)
}

func TestRefDecrClosesQueueForNextResult(t *testing.T) {
	p := New(1)
	defer p.Destroy()

	pr := p.NewProcess(1)
	pr.RefDecr()

	_, ok := pr.NextResult()
	require.False(t, ok)
}

func TestResetDiscardsInFlightResults(t *testing.T) {
	p := New(2)
	defer p.Destroy()

	pr := p.NewProcess(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) {
			return "x", nil
		}))
	}
	// Give workers a moment to start producing results.
	time.Sleep(10 * time.Millisecond)
	pr.Reset()

	// After Reset, the process's queue is empty but still open for new work.
	require.NoError(t, pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) {
		return "after-reset", nil
	}))
	r, ok := pr.NextResult()
	require.True(t, ok)
	require.Equal(t, "after-reset", r.Value)
}

func TestWakeUnblocksDispatchBlockedOnBackpressure(t *testing.T) {
	p := New(1)
	defer p.Destroy()

	pr := p.NewProcess(1)
	// Fill the one-deep queue with a slow job so the next Dispatch blocks
	// on "pr.queue <- out" -- the same backpressure shape a reader
	// goroutine hits when nobody is draining NextResult because the main
	// goroutine wants to Seek instead.
	block := make(chan struct{})
	require.NoError(t, pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) {
		<-block
		return nil, nil
	}))

	done := make(chan error, 1)
	go func() {
		done <- pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) { return nil, nil })
	}()

	// Give the goroutine time to actually reach the blocking select.
	time.Sleep(10 * time.Millisecond)
	pr.Wake()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrWoken)
	case <-time.After(time.Second):
		t.Fatal("Wake did not unblock Dispatch")
	}

	close(block)
	_, ok := pr.NextResult()
	require.True(t, ok)
}

func TestResetDrainsLeftoverWakeSignal(t *testing.T) {
	p := New(1)
	defer p.Destroy()

	pr := p.NewProcess(4)
	// A Wake call that arrives before anything is blocked in Dispatch may
	// be absorbed by the very next Dispatch instead (see Wake's doc
	// comment); Reset -- called while handling the command that prompted
	// the Wake -- must drain it so it cannot strand a later, unrelated
	// Dispatch call.
	pr.Wake()
	pr.Reset()

	for i := 0; i < 4; i++ {
		err := pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) { return "ok", nil })
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		r, ok := pr.NextResult()
		require.True(t, ok)
		require.Equal(t, "ok", r.Value)
	}
}

func TestWorkerStateIsReusedWithinOneWorker(t *testing.T) {
	p := New(1) // single worker, so every job observes the same WorkerState
	defer p.Destroy()

	pr := p.NewProcess(2)
	seen := make(chan *WorkerState, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, pr.Dispatch(context.Background(), func(ws *WorkerState) (any, error) {
			seen <- ws
			return nil, nil
		}))
		_, ok := pr.NextResult()
		require.True(t, ok)
	}
	close(seen)
	var first *WorkerState
	for ws := range seen {
		if first == nil {
			first = ws
			continue
		}
		require.Same(t, first, ws)
	}
}
