package audio

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// IO hides device enumeration, selection and retry behind four operations.
// Every open iterates the [Selector] candidates and fails only when all of
// them fail. IO is safe for concurrent use.
type IO struct {
	backend  Backend
	selector *Selector
}

// NewIO returns an IO over backend.
func NewIO(backend Backend) *IO {
	return &IO{backend: backend, selector: NewSelector(backend)}
}

// Selector exposes the candidate ordering, mainly for status reporting.
func (io *IO) Selector() *Selector { return io.selector }

// Quarantine excludes dev from the next opens in dir. Playback calls this
// after a write failure so the reopen moves on to the next candidate.
func (io *IO) Quarantine(dir Direction, dev Device) {
	io.selector.Quarantine(dir, dev)
}

// StartInputStream opens a capture stream delivering blocks of blockSize
// samples at sampleRate to onChunk. onChunk runs on the backend's realtime
// thread and must hand the chunk off without blocking.
func (io *IO) StartInputStream(sampleRate, blockSize int, onChunk func(Chunk)) (InputStream, error) {
	cfg := StreamConfig{SampleRate: sampleRate, BlockSize: blockSize}
	s, _, err := openFirst(io.selector, Input, func(d Device) (InputStream, error) {
		return io.backend.OpenInput(d, cfg, onChunk)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// StartOutputStream opens a playback stream accepting float32 samples at
// sampleRate.
func (io *IO) StartOutputStream(sampleRate, blockSize int) (OutputStream, error) {
	cfg := StreamConfig{SampleRate: sampleRate, BlockSize: blockSize}
	s, _, err := openFirst(io.selector, Output, func(d Device) (OutputStream, error) {
		return io.backend.OpenOutput(d, cfg)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Record captures d worth of mono samples at sampleRate and blocks until done
// or ctx is cancelled. It is meant for the pre-flight microphone test.
func (io *IO) Record(ctx context.Context, d time.Duration, sampleRate int) ([]int16, error) {
	want := SamplesFor(d, sampleRate)
	var (
		mu   sync.Mutex
		buf  = make([]int16, 0, want)
		full = make(chan struct{})
		once sync.Once
	)
	stream, err := io.StartInputStream(sampleRate, BlockSize, func(c Chunk) {
		mu.Lock()
		defer mu.Unlock()
		if len(buf) >= want {
			return
		}
		buf = append(buf, c.Samples[:min(len(c.Samples), want-len(buf))]...)
		if len(buf) >= want {
			once.Do(func() { close(full) })
		}
	})
	if err != nil {
		return nil, fmt.Errorf("audio: record: %w", err)
	}
	defer stream.Close()

	// Generous slack for devices that start slowly.
	timer := time.NewTimer(d + 2*time.Second)
	defer timer.Stop()

	select {
	case <-full:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return slices.Clone(buf), nil
}

// Play writes samples to an output device after applying gain with clipping
// and returns the samples actually emitted. It blocks until the device has
// accepted every block or ctx is cancelled.
func (io *IO) Play(ctx context.Context, samples []int16, sampleRate int, gain float64) ([]float32, error) {
	out := Shape(PCM16ToFloat(samples), ShapeParams{Gain: gain})

	stream, err := io.StartOutputStream(sampleRate, OutputBlockSize)
	if err != nil {
		return nil, fmt.Errorf("audio: play: %w", err)
	}
	defer stream.Close()

	for off := 0; off < len(out); off += OutputBlockSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(off+OutputBlockSize, len(out))
		if err := stream.Write(out[off:end]); err != nil {
			io.Quarantine(Output, stream.Device())
			return nil, fmt.Errorf("audio: play on %s: %w", stream.Device(), err)
		}
	}
	return out, nil
}
