package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Defaults for [ClockConfig].
const (
	DefaultDuration = time.Minute
	DefaultTick     = time.Second
)

// ErrClockRunning is returned by Start on a running SessionClock.
var ErrClockRunning = errors.New("session: clock already running")

// ClockConfig configures a [SessionClock].
type ClockConfig struct {
	// Duration is the activity time limit.
	Duration time.Duration

	// Tick is the status update interval.
	Tick time.Duration

	// OnTick, if set, receives both elapsed times on every tick. It runs on
	// the clock goroutine and must not block.
	OnTick func(overall, activity time.Duration)

	// OnDeadline is called once when the activity time reaches Duration. It
	// runs after the clock goroutine has finished, so it may call Stop.
	OnDeadline func()
}

// SessionClock owns the overall session timer and the per-activity timer.
// They pause and resume together but only the activity timer has a deadline.
type SessionClock struct {
	clock    Clock
	cfg      ClockConfig
	overall  *Timer
	activity *Timer

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSessionClock returns a stopped SessionClock.
func NewSessionClock(clock Clock, cfg ClockConfig) *SessionClock {
	if clock == nil {
		clock = RealClock{}
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &SessionClock{
		clock:    clock,
		cfg:      cfg,
		overall:  NewTimer(clock),
		activity: NewTimer(clock),
	}
}

// Start starts both timers from zero and begins ticking.
func (c *SessionClock) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrClockRunning
	}
	c.overall.Start()
	c.activity.Start()
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.clock.NewTicker(c.cfg.Tick), c.stop, c.done)
	return nil
}

// Pause freezes both timers.
func (c *SessionClock) Pause() {
	c.overall.Pause()
	c.activity.Pause()
}

// Resume continues both timers, excluding the paused span.
func (c *SessionClock) Resume() {
	c.overall.Resume()
	c.activity.Resume()
}

// Stop halts ticking and freezes both timers at their current values. It is
// idempotent.
func (c *SessionClock) Stop() {
	c.mu.Lock()
	var done chan struct{}
	if c.running {
		c.running = false
		close(c.stop)
		done = c.done
	}
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	c.overall.Stop()
	c.activity.Stop()
}

// Reset stops the clock and zeroes both timers.
func (c *SessionClock) Reset() {
	c.Stop()
	c.overall.Reset()
	c.activity.Reset()
}

// Overall returns the session elapsed time.
func (c *SessionClock) Overall() time.Duration { return c.overall.Elapsed() }

// Activity returns the activity elapsed time.
func (c *SessionClock) Activity() time.Duration { return c.activity.Elapsed() }

// Remaining returns the activity time left before the deadline.
func (c *SessionClock) Remaining() time.Duration {
	return max(c.cfg.Duration-c.activity.Elapsed(), 0)
}

// Duration returns the configured activity limit.
func (c *SessionClock) Duration() time.Duration { return c.cfg.Duration }

// Paused reports whether the clock is paused.
func (c *SessionClock) Paused() bool { return c.activity.Paused() }

func (c *SessionClock) loop(t Ticker, stop <-chan struct{}, done chan<- struct{}) {
	fired := false
	defer func() {
		t.Stop()
		close(done)
		if fired && c.cfg.OnDeadline != nil {
			c.cfg.OnDeadline()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-t.C():
		}

		overall, activity := c.overall.Elapsed(), c.activity.Elapsed()
		if c.cfg.OnTick != nil {
			c.cfg.OnTick(overall, activity)
		}
		if activity >= c.cfg.Duration {
			c.activity.Stop()
			fired = true
			slog.Info("session: activity time limit reached",
				"limit", c.cfg.Duration, "elapsed", FormatElapsed(activity))
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return
		}
	}
}
