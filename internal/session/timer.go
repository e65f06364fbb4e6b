package session

import (
	"fmt"
	"sync"
	"time"
)

// Timer is a pausable stopwatch. Resuming shifts the start time forward by
// the length of the pause, so elapsed time never includes paused spans.
// Timer is safe for concurrent use.
type Timer struct {
	clock Clock

	mu       sync.Mutex
	start    time.Time
	started  bool
	running  bool
	paused   bool
	pausedAt time.Time
	final    time.Duration
}

// NewTimer returns a stopped Timer reading clock.
func NewTimer(clock Clock) *Timer {
	if clock == nil {
		clock = RealClock{}
	}
	return &Timer{clock: clock}
}

// Start (re)starts the timer from zero.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.clock.Now()
	t.started = true
	t.running = true
	t.paused = false
	t.final = 0
}

// Pause freezes the elapsed time. It has no effect unless the timer runs.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.paused {
		return
	}
	t.paused = true
	t.pausedAt = t.clock.Now()
}

// Resume continues a paused timer.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		return
	}
	t.start = t.start.Add(t.clock.Now().Sub(t.pausedAt))
	t.paused = false
}

// Stop freezes the timer at its current value and returns it.
func (t *Timer) Stop() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.final = t.elapsedLocked()
		t.running = false
		t.paused = false
	}
	return t.final
}

// Reset returns the timer to its initial state.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start, t.pausedAt = time.Time{}, time.Time{}
	t.started, t.running, t.paused = false, false, false
	t.final = 0
}

// Elapsed returns the running time excluding pauses.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *Timer) elapsedLocked() time.Duration {
	switch {
	case !t.started:
		return 0
	case !t.running:
		return t.final
	case t.paused:
		return t.pausedAt.Sub(t.start)
	default:
		return t.clock.Now().Sub(t.start)
	}
}

// Running reports whether the timer has been started and not stopped.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Paused reports whether the timer is paused.
func (t *Timer) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// FormatElapsed renders d as HH:MM:SS, truncating fractions of a second.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}
