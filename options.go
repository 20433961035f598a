package bgzf2

import (
	"go.uber.org/zap"

	"github.com/saveitor/bgzf2/internal/tpool"
)

// defaultBlockSize is the initial uncompressed buffer target; SetBlockSize
// grows it (§4.9 "set_block_size").
const defaultBlockSize = 256 << 10

// defaultLevel is the default Zstd compression level when "w" is given
// with no digits (§4.9 "open").
const defaultLevel = 5

// Option configures a Handle at Open time, following the teacher's
// functional-options pattern (writer_options.go/reader_options.go)
// rather than a config struct, since every option here is optional and
// independent.
type Option func(*Handle) error

// WithLogger injects a zap logger; the default is zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(h *Handle) error { h.logger = l; return nil }
}

// WithBlockSize sets the initial uncompressed buffer target size.
func WithBlockSize(n int) Option {
	return func(h *Handle) error { h.blockSize = n; return nil }
}

// WithThreadPool attaches a shared worker pool at open time, equivalent
// to calling ThreadPool immediately after Open (§4.9 "thread_pool").
func WithThreadPool(pool *tpool.Pool, qsize int) Option {
	return func(h *Handle) error { return h.ThreadPool(pool, qsize) }
}

// WithGenomicIndex enables accumulation of a genomic index on write
// (§4.4). It has no effect on a read handle: Query loads the genomic
// index whenever the file carries one, with or without this option.
func WithGenomicIndex() Option {
	return func(h *Handle) error { h.genomicIndexEnabled = true; return nil }
}
