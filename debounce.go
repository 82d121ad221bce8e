package inboxsync

import (
	"sync"
	"time"

	"github.com/supportdesk/inboxsync/internal/clock"
)

// Debouncer runs the most recent triggered action once triggers stop
// arriving for the configured delay. Each Trigger resets the timer; an
// action already running is not interrupted.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration

	mu    sync.Mutex
	timer *clock.Timer
}

// NewDebouncer returns a Debouncer using c for its timer.
func NewDebouncer(c clock.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{clock: c, delay: delay}
}

// Trigger schedules f, replacing any pending action.
func (d *Debouncer) Trigger(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, f)
}

// Stop cancels the pending action, if any.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
