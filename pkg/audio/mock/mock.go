// Package mock provides an in-memory [audio.Backend] for unit tests.
//
// The backend is safe for concurrent use. Tests configure devices and per
// device failures through exported fields, push capture audio with
// [Backend.Emit] and inspect playback through [OutputStream.Written].
//
// Typical usage:
//
//	b := mock.New(
//	    audio.Device{ID: 0, Name: "speaker-a", MaxOutputChannels: 2},
//	    audio.Device{ID: 1, Name: "speaker-b", MaxOutputChannels: 2},
//	)
//	b.WriteErr[0] = errors.New("device unplugged")
//	io := audio.NewIO(b)
package mock

import (
	"errors"
	"slices"
	"sync"

	"github.com/kaiwa-lab/kaiwa/pkg/audio"
)

// ErrNoDefault is returned by DefaultDevice when no default is configured.
var ErrNoDefault = errors.New("mock: no default device")

// Backend is a mock implementation of [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// DeviceList is returned by Devices.
	DeviceList []audio.Device

	// DefaultInput and DefaultOutput are device IDs; -1 disables the default.
	DefaultInput  int
	DefaultOutput int

	// OpenErr makes opening the device with the given ID fail.
	OpenErr map[int]error

	// WriteErr makes every write on a stream of the given device ID fail.
	WriteErr map[int]error

	// DisablePlatformChoice makes the platform-choice sentinel fail to open.
	DisablePlatformChoice bool

	// OpenAttempts records every device ID passed to OpenInput/OpenOutput.
	OpenAttempts []int

	inputs  []*InputStream
	outputs []*OutputStream
}

// New returns a Backend listing devs. The first input-capable and the first
// output-capable device become the defaults.
func New(devs ...audio.Device) *Backend {
	b := &Backend{
		DeviceList:    devs,
		DefaultInput:  -1,
		DefaultOutput: -1,
		OpenErr:       make(map[int]error),
		WriteErr:      make(map[int]error),
	}
	for _, d := range devs {
		if b.DefaultInput < 0 && d.MaxInputChannels > 0 {
			b.DefaultInput = d.ID
		}
		if b.DefaultOutput < 0 && d.MaxOutputChannels > 0 {
			b.DefaultOutput = d.ID
		}
	}
	return b
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() ([]audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.DeviceList), nil
}

// DefaultDevice implements [audio.Backend].
func (b *Backend) DefaultDevice(dir audio.Direction) (audio.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.DefaultOutput
	if dir == audio.Input {
		id = b.DefaultInput
	}
	for _, d := range b.DeviceList {
		if d.ID == id {
			return d, nil
		}
	}
	return audio.Device{}, ErrNoDefault
}

func (b *Backend) checkOpen(dev audio.Device) error {
	b.OpenAttempts = append(b.OpenAttempts, dev.ID)
	if dev.ID == audio.PlatformChoiceID && b.DisablePlatformChoice {
		return errors.New("mock: platform choice disabled")
	}
	return b.OpenErr[dev.ID]
}

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(dev audio.Device, cfg audio.StreamConfig, onChunk func(audio.Chunk)) (audio.InputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(dev); err != nil {
		return nil, err
	}
	s := &InputStream{dev: dev, cfg: cfg, onChunk: onChunk}
	b.inputs = append(b.inputs, s)
	return s, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(dev audio.Device, cfg audio.StreamConfig) (audio.OutputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(dev); err != nil {
		return nil, err
	}
	s := &OutputStream{dev: dev, cfg: cfg, backend: b}
	b.outputs = append(b.outputs, s)
	return s, nil
}

// Emit delivers samples to every open input stream, as a capture callback
// would.
func (b *Backend) Emit(samples []int16) {
	b.mu.Lock()
	streams := slices.Clone(b.inputs)
	b.mu.Unlock()
	for _, s := range streams {
		s.deliver(samples)
	}
}

// Inputs returns every input stream opened so far.
func (b *Backend) Inputs() []*InputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.inputs)
}

// Outputs returns every output stream opened so far.
func (b *Backend) Outputs() []*OutputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.outputs)
}

func (b *Backend) writeErr(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.WriteErr[id]
}

// ─── Streams ──────────────────────────────────────────────────────────────────

// InputStream is a mock capture stream.
type InputStream struct {
	dev     audio.Device
	cfg     audio.StreamConfig
	onChunk func(audio.Chunk)

	mu     sync.Mutex
	closed bool
}

// Device implements [audio.InputStream].
func (s *InputStream) Device() audio.Device { return s.dev }

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *InputStream) deliver(samples []int16) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.onChunk(audio.Chunk{Samples: slices.Clone(samples), SampleRate: s.cfg.SampleRate})
}

// OutputStream is a mock playback stream.
type OutputStream struct {
	dev     audio.Device
	cfg     audio.StreamConfig
	backend *Backend

	mu       sync.Mutex
	writes   [][]float32
	closed   bool
	failures int
}

// Device implements [audio.OutputStream].
func (s *OutputStream) Device() audio.Device { return s.dev }

// Write implements [audio.OutputStream]. It fails with the backend's
// WriteErr for this device, if any.
func (s *OutputStream) Write(samples []float32) error {
	if err := s.backend.writeErr(s.dev.ID); err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: write on closed stream")
	}
	s.writes = append(s.writes, slices.Clone(samples))
	return nil
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Written returns a copy of every successful write, in order.
func (s *OutputStream) Written() [][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(s.writes))
	for i, w := range s.writes {
		out[i] = slices.Clone(w)
	}
	return out
}

// Failures returns how many writes failed.
func (s *OutputStream) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

var (
	_ audio.Backend      = (*Backend)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputStream = (*OutputStream)(nil)
)
