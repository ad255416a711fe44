package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// stackBufferSize is the buffer size for stack trace collection
const stackBufferSize = 4096

// Recover recovers from panics in goroutines and logs them.
// If logger is nil, falls back to stderr so the panic is still recorded.
//
// Usage:
//
//	go func() {
//	    defer goroutine.Recover("retention-cleanup", logger)
//	    // ...
//	}()
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, stackBufferSize)
	n := runtime.Stack(buf, false)

	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
}
