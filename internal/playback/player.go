package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaiwa-lab/kaiwa/pkg/audio"
)

var (
	// ErrRunning is returned by Start when the drain loop is already running.
	ErrRunning = errors.New("playback: already running")

	// ErrStopTimeout is returned by Stop when the drain loop did not exit in
	// time. The loop still releases the device once its current write returns.
	ErrStopTimeout = errors.New("playback: drain loop did not stop in time")
)

// Output opens playback streams. *audio.IO satisfies it.
type Output interface {
	StartOutputStream(sampleRate, blockSize int) (audio.OutputStream, error)
	Quarantine(dir audio.Direction, dev audio.Device)
}

// PlayerConfig tunes the drain loop.
type PlayerConfig struct {
	SampleRate int
	BlockSize  int

	// IdleSleep is how long the loop waits when the queue is empty.
	IdleSleep time.Duration

	// PausePoll is how often a paused loop checks for resume.
	PausePoll time.Duration

	// OnError receives the error that stopped playback, if any.
	OnError func(error)

	// OnWrite, if set, is called after every successful device write.
	OnWrite func(samples int, d time.Duration)
}

func (c PlayerConfig) withDefaults() PlayerConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.AgentSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = audio.OutputBlockSize
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 10 * time.Millisecond
	}
	if c.PausePoll <= 0 {
		c.PausePoll = 10 * time.Millisecond
	}
	return c
}

// Player drains a [Buffer] into an output stream on its own goroutine.
type Player struct {
	buf *Buffer
	out Output
	cfg PlayerConfig

	paused  atomic.Bool
	written atomic.Int64
	reopens atomic.Int64

	mu       sync.Mutex
	running  bool
	stopping bool
	device   audio.Device
	stopCh   chan struct{}
	done     chan struct{}
	drain    bool
}

// NewPlayer returns a stopped Player draining buf into streams opened by out.
func NewPlayer(buf *Buffer, out Output, cfg PlayerConfig) *Player {
	return &Player{buf: buf, out: out, cfg: cfg.withDefaults()}
}

// Buffer returns the queue the player drains.
func (p *Player) Buffer() *Buffer { return p.buf }

// Start opens the output stream and starts the drain loop. A fatal error is
// reported to PlayerConfig.OnError.
func (p *Player) Start() error { return p.StartNotify(p.cfg.OnError) }

// StartNotify is Start with onError in place of PlayerConfig.OnError. The
// callback belongs to this run of the loop only, so a loop that outlives a
// timed-out Stop reports to the caller that started it.
func (p *Player) StartNotify(onError func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}

	stream, err := p.out.StartOutputStream(p.cfg.SampleRate, p.cfg.BlockSize)
	if err != nil {
		return fmt.Errorf("playback: open output: %w", err)
	}
	p.running = true
	p.stopping = false
	p.drain = false
	p.device = stream.Device()
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.paused.Store(false)

	slog.Debug("playback: started", "device", stream.Device().String())
	go p.loop(stream, p.stopCh, p.done, onError)
	return nil
}

// Running reports whether the drain loop is active.
func (p *Player) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Device returns the device currently playing.
func (p *Player) Device() audio.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// Pause stops consumption and discards the queued audio so nothing stale
// plays after resume. Audio enqueued while paused is kept.
func (p *Player) Pause() {
	p.paused.Store(true)
	if n := p.buf.Clear(); n > 0 {
		slog.Debug("playback: cleared queue on pause", "samples", n)
	}
}

// Resume re-enables consumption.
func (p *Player) Resume() { p.paused.Store(false) }

// Paused reports whether consumption is paused.
func (p *Player) Paused() bool { return p.paused.Load() }

// Written returns the number of samples handed to devices so far.
func (p *Player) Written() int64 { return p.written.Load() }

// Reopens returns how many times the stream was reopened after a failure.
func (p *Player) Reopens() int64 { return p.reopens.Load() }

// Stop ends the drain loop and waits up to timeout for it to release the
// device. With drain set the loop first plays out the queue (unless paused);
// otherwise queued audio is discarded. Stop on a stopped Player is a no-op.
func (p *Player) Stop(drain bool, timeout time.Duration) error {
	if !drain {
		p.buf.Clear()
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	if !p.stopping {
		p.drain = drain
		p.stopping = true
		close(p.stopCh)
	}
	done := p.done
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *Player) shouldDrain() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drain && !p.paused.Load()
}

func (p *Player) loop(stream audio.OutputStream, stopCh <-chan struct{}, done chan<- struct{}, onError func(error)) {
	var loopErr error
	defer func() {
		if stream != nil {
			if err := stream.Close(); err != nil {
				slog.Warn("playback: close output", "err", err)
			}
		}
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
		if loopErr != nil && onError != nil {
			onError(loopErr)
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	wait := func(d time.Duration) bool {
		timer.Reset(d)
		select {
		case <-timer.C:
			return true
		case <-stopCh:
			timer.Stop()
			return false
		}
	}

	for {
		stopping := false
		select {
		case <-stopCh:
			stopping = true
			if !p.shouldDrain() {
				return
			}
		default:
		}

		if p.paused.Load() {
			if stopping {
				return
			}
			wait(p.cfg.PausePoll)
			continue
		}

		block := p.buf.next()
		if block == nil {
			if stopping {
				return
			}
			wait(p.cfg.IdleSleep)
			continue
		}

		stream, loopErr = p.write(stream, block)
		if loopErr != nil {
			slog.Error("playback: stopped", "err", loopErr)
			return
		}
	}
}

// write hands block to stream, moving to the next candidate device on
// failure until a write succeeds or no device is left. Every device that
// failed this block stays quarantined for the rest of the search, since a
// successful open elsewhere lifts quarantines. The returned stream is the
// one now open, or nil after a fatal error.
func (p *Player) write(stream audio.OutputStream, block []float32) (audio.OutputStream, error) {
	var failed []audio.Device
	for {
		start := time.Now()
		err := stream.Write(block)
		if err == nil {
			p.written.Add(int64(len(block)))
			if p.cfg.OnWrite != nil {
				p.cfg.OnWrite(len(block), time.Since(start))
			}
			return stream, nil
		}

		dev := stream.Device()
		slog.Warn("playback: write failed, reopening", "device", dev.String(), "err", err)
		_ = stream.Close()
		failed = append(failed, dev)
		for _, d := range failed {
			p.out.Quarantine(audio.Output, d)
		}

		next, oerr := p.out.StartOutputStream(p.cfg.SampleRate, p.cfg.BlockSize)
		if oerr != nil {
			return nil, fmt.Errorf("playback: reopen after write failure on %s: %w", dev, oerr)
		}
		p.reopens.Add(1)
		p.mu.Lock()
		p.device = next.Device()
		p.mu.Unlock()
		slog.Info("playback: reopened output", "device", next.Device().String())
		stream = next
	}
}
