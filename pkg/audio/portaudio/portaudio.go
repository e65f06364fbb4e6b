// Package portaudio implements [audio.Backend] on top of PortAudio through
// github.com/gordonklaus/portaudio.
//
// Streams are always mono. When a device rejects the requested sample rate
// the stream is reopened at the device's native rate and samples are
// resampled at the boundary, so callers always see the rate they asked for.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/kaiwa-lab/kaiwa/pkg/audio"
)

// Backend is a PortAudio host. Create one per process with [New] and call
// [Backend.Close] on shutdown.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio.
func New() (*Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return pa.Terminate()
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() ([]audio.Device, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]audio.Device, 0, len(infos))
	for _, info := range infos {
		out = append(out, toDevice(info))
	}
	return out, nil
}

// DefaultDevice implements [audio.Backend].
func (b *Backend) DefaultDevice(dir audio.Direction) (audio.Device, error) {
	var (
		info *pa.DeviceInfo
		err  error
	)
	if dir == audio.Input {
		info, err = pa.DefaultInputDevice()
	} else {
		info, err = pa.DefaultOutputDevice()
	}
	if err != nil {
		return audio.Device{}, fmt.Errorf("portaudio: default %s device: %w", dir, err)
	}
	return toDevice(info), nil
}

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(dev audio.Device, cfg audio.StreamConfig, onChunk func(audio.Chunk)) (audio.InputStream, error) {
	info, err := lookup(dev, audio.Input)
	if err != nil {
		return nil, err
	}

	s := &inputStream{dev: toDevice(info), wantRate: cfg.SampleRate, onChunk: onChunk}
	open := func(rate float64, frames int) (*pa.Stream, error) {
		p := pa.HighLatencyParameters(info, nil)
		p.Input.Channels = 1
		p.SampleRate = rate
		p.FramesPerBuffer = frames
		return pa.OpenStream(p, s.callback)
	}

	stream, rate, err := openAtRate(info, cfg, open)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %s: %w", s.dev, err)
	}
	s.stream = stream
	s.nativeRate = rate
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input %s: %w", s.dev, err)
	}
	return s, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(dev audio.Device, cfg audio.StreamConfig) (audio.OutputStream, error) {
	info, err := lookup(dev, audio.Output)
	if err != nil {
		return nil, err
	}

	s := &outputStream{dev: toDevice(info), wantRate: cfg.SampleRate}
	open := func(rate float64, frames int) (*pa.Stream, error) {
		p := pa.HighLatencyParameters(nil, info)
		p.Output.Channels = 1
		p.SampleRate = rate
		p.FramesPerBuffer = frames
		// The stream keeps a pointer to buf, so Write can reslice it per call.
		return pa.OpenStream(p, &s.buf)
	}

	stream, rate, err := openAtRate(info, cfg, open)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %s: %w", s.dev, err)
	}
	s.stream = stream
	s.nativeRate = rate
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output %s: %w", s.dev, err)
	}
	return s, nil
}

// openAtRate opens at the requested rate and falls back to the device's
// native rate when PortAudio rejects the former.
func openAtRate(info *pa.DeviceInfo, cfg audio.StreamConfig, open func(rate float64, frames int) (*pa.Stream, error)) (*pa.Stream, int, error) {
	stream, err := open(float64(cfg.SampleRate), cfg.BlockSize)
	if err == nil {
		return stream, cfg.SampleRate, nil
	}
	native := int(info.DefaultSampleRate)
	if !errors.Is(err, pa.InvalidSampleRate) || native <= 0 || native == cfg.SampleRate {
		return nil, 0, err
	}
	frames := cfg.BlockSize * native / cfg.SampleRate
	slog.Info("portaudio: requested rate unsupported, resampling",
		"device", info.Name, "requested", cfg.SampleRate, "native", native)
	stream, err = open(float64(native), frames)
	if err != nil {
		return nil, 0, err
	}
	return stream, native, nil
}

// lookup resolves dev to a PortAudio device. [audio.PlatformChoice] maps to
// the host default for dir.
func lookup(dev audio.Device, dir audio.Direction) (*pa.DeviceInfo, error) {
	if dev.ID == audio.PlatformChoiceID {
		if dir == audio.Input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, info := range infos {
		if info.Index == dev.ID {
			return info, nil
		}
	}
	return nil, fmt.Errorf("portaudio: device %s no longer present", dev)
}

func toDevice(info *pa.DeviceInfo) audio.Device {
	return audio.Device{
		ID:                info.Index,
		Name:              info.Name,
		MaxInputChannels:  info.MaxInputChannels,
		MaxOutputChannels: info.MaxOutputChannels,
		DefaultSampleRate: info.DefaultSampleRate,
	}
}

// ─── Streams ──────────────────────────────────────────────────────────────────

type inputStream struct {
	dev        audio.Device
	stream     *pa.Stream
	wantRate   int
	nativeRate int
	onChunk    func(audio.Chunk)

	mu      sync.Mutex
	closed  bool
	elapsed int // samples delivered so far, at wantRate
}

// callback runs on the PortAudio thread. The buffer is reused by PortAudio,
// so it is copied before hand-off.
func (s *inputStream) callback(in []int16) {
	samples := slices.Clone(in)
	if s.nativeRate != 0 && s.nativeRate != s.wantRate {
		samples = audio.ResampleMono16(samples, s.nativeRate, s.wantRate)
	}
	ts := time.Duration(s.elapsed) * time.Second / time.Duration(s.wantRate)
	s.elapsed += len(samples)
	s.onChunk(audio.Chunk{Samples: samples, SampleRate: s.wantRate, Timestamp: ts})
}

func (s *inputStream) Device() audio.Device { return s.dev }

func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.stream.Stop(), s.stream.Close())
}

type outputStream struct {
	dev        audio.Device
	stream     *pa.Stream
	wantRate   int
	nativeRate int

	mu     sync.Mutex
	buf    []float32
	closed bool
}

func (s *outputStream) Device() audio.Device { return s.dev }

func (s *outputStream) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("portaudio: write on closed stream")
	}
	if s.nativeRate != 0 && s.nativeRate != s.wantRate {
		samples = audio.ResampleFloat(samples, s.wantRate, s.nativeRate)
	}
	s.buf = samples
	err := s.stream.Write()
	s.buf = nil
	if err != nil && !errors.Is(err, pa.OutputUnderflowed) {
		return err
	}
	return nil
}

func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.stream.Stop(), s.stream.Close())
}

var (
	_ audio.Backend      = (*Backend)(nil)
	_ audio.InputStream  = (*inputStream)(nil)
	_ audio.OutputStream = (*outputStream)(nil)
)
