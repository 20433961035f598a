package bgzf2

import (
	"runtime"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func zapError(err error) zapcore.Field { return zap.Error(err) }

// quiesce yields the current goroutine so a spin-wait on jobsPending does
// not starve the I/O goroutine it is waiting on.
func quiesce() { runtime.Gosched() }
