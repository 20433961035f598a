package tpool

import (
	"io"
	"sync"
)

// WorkerState is scratch storage private to one worker goroutine. It is
// the Go rendering of the design's "thread-local Zstd context cache": a
// worker allocates expensive state (a *zstd.Encoder, a *zstd.Decoder) the
// first time a job needs it, keeps it for the life of the goroutine, and
// the pool closes everything stored here when that goroutine exits. No
// other goroutine ever observes a WorkerState, so it needs no locking for
// its own use, only for the lazy-init race within a single worker
// (GetOrCreate can be called from nested helpers, hence the mutex).
type WorkerState struct {
	mu     sync.Mutex
	values map[string]io.Closer
}

// GetOrCreate returns the previously cached value for key, or calls
// create to build one and caches it. create's result must implement
// io.Closer so the worker can release it on exit.
func (w *WorkerState) GetOrCreate(key string, create func() (io.Closer, error)) (io.Closer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v, ok := w.values[key]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		return nil, err
	}
	if w.values == nil {
		w.values = make(map[string]io.Closer)
	}
	w.values[key] = v
	return v, nil
}

func (w *WorkerState) close() {
	w.Close()
}

// Close releases every cached value. A pool worker calls this on exit;
// a caller managing its own WorkerState outside a pool (the
// single-threaded codec path) should call it from its own Close.
func (w *WorkerState) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, v := range w.values {
		_ = v.Close()
	}
	w.values = nil
}
