package audio

import (
	"log/slog"
	"sync"
)

// Selector orders candidate devices for each direction and remembers which
// device last opened successfully. It is safe for concurrent use.
type Selector struct {
	backend Backend

	mu          sync.Mutex
	lastGood    map[Direction]Device
	quarantined map[Direction]map[int]bool
}

// NewSelector returns a Selector over backend.
func NewSelector(backend Backend) *Selector {
	return &Selector{
		backend:     backend,
		lastGood:    make(map[Direction]Device),
		quarantined: map[Direction]map[int]bool{Input: {}, Output: {}},
	}
}

// Candidates returns the devices to try for dir, in order: last-known-good,
// platform default, every device capable of dir, then [PlatformChoice].
// Duplicates and quarantined devices are removed.
func (s *Selector) Candidates(dir Direction) []Device {
	s.mu.Lock()
	last, hasLast := s.lastGood[dir]
	skip := make(map[int]bool, len(s.quarantined[dir]))
	for id := range s.quarantined[dir] {
		skip[id] = true
	}
	s.mu.Unlock()

	var out []Device
	seen := make(map[int]bool)
	add := func(d Device) {
		if seen[d.ID] || skip[d.ID] || !d.Supports(dir) {
			return
		}
		seen[d.ID] = true
		out = append(out, d)
	}

	if hasLast {
		add(last)
	}
	if def, err := s.backend.DefaultDevice(dir); err == nil {
		add(def)
	} else {
		slog.Debug("audio: no default device", "direction", dir, "err", err)
	}
	if devs, err := s.backend.Devices(); err == nil {
		for _, d := range devs {
			add(d)
		}
	} else {
		slog.Warn("audio: device enumeration failed", "direction", dir, "err", err)
	}
	add(PlatformChoice)
	return out
}

// MarkGood records dev as the last device that opened for dir and lifts every
// quarantine for that direction.
func (s *Selector) MarkGood(dir Direction, dev Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastGood[dir] = dev
	clear(s.quarantined[dir])
}

// Quarantine excludes dev from the next candidate lists for dir until some
// other device opens successfully. A quarantined last-known-good device is
// forgotten.
func (s *Selector) Quarantine(dir Direction, dev Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[dir][dev.ID] = true
	if last, ok := s.lastGood[dir]; ok && last.ID == dev.ID {
		delete(s.lastGood, dir)
	}
}

// LastGood returns the last device that opened for dir.
func (s *Selector) LastGood(dir Direction) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.lastGood[dir]
	return d, ok
}

// openFirst tries open against each candidate for dir and returns the first
// success. When every candidate fails the result is a *DeviceError.
func openFirst[T any](s *Selector, dir Direction, open func(Device) (T, error)) (T, Device, error) {
	var (
		zero     T
		attempts []DeviceAttempt
	)
	for _, dev := range s.Candidates(dir) {
		v, err := open(dev)
		if err != nil {
			slog.Warn("audio: device open failed, trying next",
				"direction", dir, "device", dev.String(), "err", err)
			attempts = append(attempts, DeviceAttempt{Device: dev, Err: err})
			continue
		}
		s.MarkGood(dir, dev)
		return v, dev, nil
	}
	return zero, Device{}, &DeviceError{Direction: dir, Attempts: attempts}
}
