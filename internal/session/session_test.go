package session

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestTimer_PauseResumeExcludesPause(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock(epoch)
	tm := NewTimer(clk)
	tm.Start()
	clk.Advance(10 * time.Second)

	tm.Pause()
	before := tm.Elapsed()
	clk.Advance(42 * time.Second)
	if got := tm.Elapsed(); got != before {
		t.Errorf("elapsed moved while paused: %v -> %v", before, got)
	}
	tm.Resume()
	if got := tm.Elapsed(); got != before {
		t.Errorf("elapsed after resume = %v, want %v", got, before)
	}

	clk.Advance(5 * time.Second)
	if got := tm.Elapsed(); got != 15*time.Second {
		t.Errorf("elapsed = %v, want 15s", got)
	}
}

func TestTimer_StopFreezesAndReset(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock(epoch)
	tm := NewTimer(clk)
	if tm.Elapsed() != 0 || tm.Running() {
		t.Fatal("new timer should be idle at zero")
	}
	tm.Start()
	clk.Advance(3 * time.Second)
	if got := tm.Stop(); got != 3*time.Second {
		t.Errorf("Stop = %v, want 3s", got)
	}
	clk.Advance(time.Minute)
	if got := tm.Elapsed(); got != 3*time.Second {
		t.Errorf("elapsed after stop = %v, want 3s", got)
	}

	tm.Reset()
	if tm.Elapsed() != 0 || tm.Running() || tm.Paused() {
		t.Error("Reset did not clear state")
	}
}

func TestTimer_PauseIgnoredWhenStopped(t *testing.T) {
	t.Parallel()

	tm := NewTimer(NewFakeClock(epoch))
	tm.Pause()
	if tm.Paused() {
		t.Error("stopped timer reports paused")
	}
}

func TestSessionClock_DeadlineFiresOnce(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock(epoch)
	var fired atomic.Int32
	deadline := make(chan struct{}, 4)
	c := NewSessionClock(clk, ClockConfig{
		Duration: 5 * time.Second,
		OnDeadline: func() {
			fired.Add(1)
			deadline <- struct{}{}
		},
	})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != ErrClockRunning {
		t.Errorf("second Start = %v, want ErrClockRunning", err)
	}

	clk.Advance(6 * time.Second)
	select {
	case <-deadline:
	case <-time.After(2 * time.Second):
		t.Fatal("deadline not fired")
	}

	clk.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("deadline fired %d times", fired.Load())
	}
	if c.Activity() != 6*time.Second {
		t.Errorf("activity = %v, want frozen at 6s", c.Activity())
	}

	c.Stop()
	c.Stop()
}

func TestSessionClock_PauseHoldsDeadline(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock(epoch)
	deadline := make(chan struct{}, 1)
	ticks := make(chan time.Duration, 16)
	c := NewSessionClock(clk, ClockConfig{
		Duration:   5 * time.Second,
		OnTick:     func(_, activity time.Duration) { ticks <- activity },
		OnDeadline: func() { deadline <- struct{}{} },
	})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	clk.Advance(3 * time.Second)
	<-ticks
	c.Pause()
	clk.Advance(30 * time.Second)
	if got := <-ticks; got != 3*time.Second {
		t.Errorf("activity while paused = %v, want 3s", got)
	}
	select {
	case <-deadline:
		t.Fatal("deadline fired during pause")
	default:
	}

	c.Resume()
	if c.Remaining() != 2*time.Second {
		t.Errorf("Remaining = %v, want 2s", c.Remaining())
	}
	clk.Advance(2 * time.Second)
	select {
	case <-deadline:
	case <-time.After(2 * time.Second):
		t.Fatal("deadline not fired after resume")
	}
	if c.Overall() != 5*time.Second {
		t.Errorf("overall = %v, want 5s", c.Overall())
	}
}

func TestSessionClock_ResetZeroes(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock(epoch)
	c := NewSessionClock(clk, ClockConfig{})
	if c.Duration() != DefaultDuration {
		t.Errorf("Duration = %v, want default", c.Duration())
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	c.Reset()
	if c.Overall() != 0 || c.Activity() != 0 {
		t.Errorf("after Reset overall=%v activity=%v", c.Overall(), c.Activity())
	}
	if err := c.Start(); err != nil {
		t.Errorf("restart after Reset: %v", err)
	}
	c.Stop()
}

func TestFormatElapsed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59*time.Second + 900*time.Millisecond, "00:00:59"},
		{61 * time.Second, "00:01:01"},
		{3*time.Hour + 25*time.Minute + 7*time.Second, "03:25:07"},
		{-time.Second, "00:00:00"},
	}
	for _, tc := range tests {
		if got := FormatElapsed(tc.d); got != tc.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
