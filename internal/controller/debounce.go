package controller

import (
	"sync"
	"time"
)

// Debouncer runs fn(key) once per key after delay has passed without a new
// Trigger for that key.
type Debouncer struct {
	delay time.Duration
	fn    func(key string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewDebouncer(delay time.Duration, fn func(key string)) *Debouncer {
	return &Debouncer{delay: delay, fn: fn, timers: map[string]*time.Timer{}}
}

// Trigger cancels the pending call for key, if any, and schedules a new one.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if existing, ok := d.timers[key]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.timers[key] != timer {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		d.fn(key)
	})
	d.timers[key] = timer
}

func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Flush runs every pending call now, on the caller's goroutine.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.timers))
	for key, timer := range d.timers {
		// A timer that already fired but is waiting on mu finds its entry
		// gone and returns, so the key still runs exactly once.
		timer.Stop()
		keys = append(keys, key)
		delete(d.timers, key)
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.fn(key)
	}
}

// Close cancels pending calls and ignores later triggers.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}
