package webhook

import (
	"sync"
	"time"
)

// debouncer collapses a burst of triggers into one callback invocation,
// fired once the burst has been quiet for the full delay.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

// Trigger arms the timer, pushing any previously scheduled invocation out
// by the full delay.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}
