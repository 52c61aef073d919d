// Package watchdog provides the single re-armable timeout guard bound to
// the currently active inference.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog holds at most one armed timer, tagged with an inference id.
// Re-arming replaces the previous timer; a firing whose captured id or
// generation no longer matches the current one is discarded as stale.
type Watchdog struct {
	mu          sync.Mutex
	timer       *time.Timer
	inferenceID string
	generation  uint64
	onTimeout   func(inferenceID string)
}

// New creates a watchdog. onTimeout runs on its own goroutine when a
// non-stale timer fires; the callback receives the inference id the timer
// was armed for.
func New(onTimeout func(inferenceID string)) *Watchdog {
	return &Watchdog{onTimeout: onTimeout}
}

// Arm starts (or restarts) the timeout for the given inference id. Any
// previously armed timer is replaced; its eventual firing becomes a no-op.
func (w *Watchdog) Arm(inferenceID string, budget time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.generation++
	w.inferenceID = inferenceID
	gen := w.generation

	w.timer = time.AfterFunc(budget, func() {
		w.fire(inferenceID, gen)
	})
}

// Clear disarms the watchdog. Safe to call when nothing is armed.
func (w *Watchdog) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.inferenceID = ""
	w.generation++
}

// Armed reports whether a timer is currently pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

func (w *Watchdog) fire(inferenceID string, gen uint64) {
	w.mu.Lock()
	if gen != w.generation || inferenceID != w.inferenceID {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.inferenceID = ""
	cb := w.onTimeout
	w.mu.Unlock()

	if cb != nil {
		cb(inferenceID)
	}
}
