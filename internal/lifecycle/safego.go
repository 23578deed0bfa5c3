// Package lifecycle provides the panic-recovering goroutine wrapper used for
// the worker's background keep-alive touch loop.
//
// Grounded on ternarybob-quaero's internal/common/goroutine.go SafeGo, pared
// down to the single call shape this worker needs (no goroutine counter, no
// crash-log file — this worker already logs through arbor and has no
// separate crash-report sink).
package lifecycle

import (
	"fmt"
	"runtime"

	"github.com/ternarybob/arbor"
)

// Go runs fn in a goroutine, recovering any panic so a bug in a background
// loop degrades to a logged error instead of taking down the process.
func Go(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(buf[:n])).
					Msg("recovered from panic in background goroutine")
			}
		}()
		fn()
	}()
}
