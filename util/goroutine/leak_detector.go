package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks registers a cleanup function that verifies the goroutine
// count returns to baseline after test completion. Call it at the beginning
// of tests that launch goroutines.
func AssertNoLeaks(t *testing.T) {
	t.Helper()
	AssertNoLeaksWithTimeout(t, 5*time.Second, 100*time.Millisecond)
}

// AssertNoLeaksWithTimeout is like AssertNoLeaks with a custom timeout and
// polling interval.
func AssertNoLeaksWithTimeout(t *testing.T, timeout, pollInterval time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if runtime.NumGoroutine() <= before {
				return
			}
			time.Sleep(pollInterval)
		}

		current := runtime.NumGoroutine()
		if current > before {
			t.Errorf("goroutine leak detected: started with %d goroutines, ended with %d (leaked %d)",
				before, current, current-before)
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			t.Logf("Active goroutines:\n%s", string(buf[:n]))
		}
	})
}
