package audio

import (
	"errors"
	"fmt"
	"strings"
)

// Direction distinguishes capture from playback devices.
type Direction int

const (
	// Input is a capture (microphone) device.
	Input Direction = iota

	// Output is a playback (speaker) device.
	Output
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// PlatformChoiceID is the device ID of [PlatformChoice].
const PlatformChoiceID = -1

// PlatformChoice is the final candidate of every device search: it asks the
// backend to open whatever device the host audio system picks.
var PlatformChoice = Device{ID: PlatformChoiceID, Name: "platform choice"}

// Device describes one audio endpoint reported by a [Backend].
type Device struct {
	// ID is the backend-specific device index. [PlatformChoiceID] is reserved.
	ID int

	// Name is the human-readable device name.
	Name string

	// MaxInputChannels is zero for playback-only devices.
	MaxInputChannels int

	// MaxOutputChannels is zero for capture-only devices.
	MaxOutputChannels int

	// DefaultSampleRate is the device's native rate in Hz.
	DefaultSampleRate float64
}

// Supports reports whether the device can be opened in direction dir.
// [PlatformChoice] supports both directions.
func (d Device) Supports(dir Direction) bool {
	if d.ID == PlatformChoiceID {
		return true
	}
	if dir == Input {
		return d.MaxInputChannels > 0
	}
	return d.MaxOutputChannels > 0
}

// String returns "name (#id)".
func (d Device) String() string {
	return fmt.Sprintf("%s (#%d)", d.Name, d.ID)
}

// StreamConfig describes the stream a caller wants. Backends may open the
// device at a different native rate and resample at the boundary.
type StreamConfig struct {
	SampleRate int
	BlockSize  int
}

// InputStream is a running capture stream. Chunks are delivered to the
// callback given to [Backend.OpenInput] on a backend-owned goroutine.
type InputStream interface {
	// Device reports which device the stream was opened on.
	Device() Device

	// Close stops the stream and releases the device. Idempotent.
	Close() error
}

// OutputStream is a running playback stream with blocking writes.
type OutputStream interface {
	// Device reports which device the stream was opened on.
	Device() Device

	// Write blocks until samples (normalised float32 at the configured rate)
	// have been handed to the device.
	Write(samples []float32) error

	// Close stops the stream and releases the device. Idempotent.
	Close() error
}

// Backend is the host audio system. Implementations live in sub-packages
// (audio/portaudio for real hardware, audio/mock for tests).
type Backend interface {
	// Devices lists every device currently reported by the host.
	Devices() ([]Device, error)

	// DefaultDevice returns the host default for dir.
	DefaultDevice(dir Direction) (Device, error)

	// OpenInput opens and starts a capture stream on dev. onChunk must return
	// quickly; it runs on the backend's realtime thread.
	OpenInput(dev Device, cfg StreamConfig, onChunk func(Chunk)) (InputStream, error)

	// OpenOutput opens and starts a playback stream on dev.
	OpenOutput(dev Device, cfg StreamConfig) (OutputStream, error)
}

// ErrNoDevice is wrapped by [DeviceError] when no candidate could be opened.
var ErrNoDevice = errors.New("audio: no usable device")

// DeviceError reports that every candidate device failed to open.
type DeviceError struct {
	Direction Direction

	// Attempts lists each tried device and the error it produced.
	Attempts []DeviceAttempt
}

// DeviceAttempt is one failed open.
type DeviceAttempt struct {
	Device Device
	Err    error
}

// Error implements error.
func (e *DeviceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "audio: no usable %s device", e.Direction)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Device, a.Err)
	}
	return b.String()
}

// Unwrap exposes [ErrNoDevice] and every attempt error to errors.Is/As.
func (e *DeviceError) Unwrap() []error {
	errs := []error{ErrNoDevice}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
