package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the config already in effect.
var ErrUnchanged = errors.New("config: file unchanged")

// snapshot is one successfully parsed version of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher keeps the session config in sync with its file. An edit that fails
// to parse or validate is logged and skipped; the previous config remains
// in effect until a valid one replaces it.
type Watcher struct {
	path     string
	every    time.Duration
	onChange func(old, new *Config, d ConfigDiff)

	mu   sync.Mutex
	last snapshot

	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is checked. Defaults to 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// NewWatcher reads path once, failing if it is not a valid config, and then
// checks it on a background goroutine. onChange is called from that goroutine
// for every accepted edit that changes at least one setting.
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		every:    5 * time.Second,
		onChange: onChange,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.last = snap

	go w.loop()
	return w, nil
}

// Current returns the config currently in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends the background checks. It returns once any running onChange
// callback has finished and may be called more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.exited
}

func (w *Watcher) loop() {
	defer close(w.exited)
	tick := time.NewTicker(w.every)
	defer tick.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-tick.C:
			if info, err := os.Stat(w.path); err != nil {
				slog.Warn("config: watched file unreadable", "path", w.path, "err", err)
				continue
			} else if info.ModTime().Equal(w.modTime()) {
				continue
			}
			w.apply()
		}
	}
}

func (w *Watcher) modTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.mtime
}

// apply reloads the file and runs the callback, logging instead of returning
// failures.
func (w *Watcher) apply() {
	old, d, err := w.reload()
	switch {
	case errors.Is(err, ErrUnchanged):
		return
	case err != nil:
		slog.Warn("config: edit rejected, previous settings stay in effect", "path", w.path, "err", err)
		return
	case d.Empty():
		return
	}

	slog.Info("config: settings reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"session", d.SessionChanged,
		"evaluation", d.EvaluationChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: restart needed for some edits", "keys", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, w.Current(), d)
	}
}

// Reload reads the file now, regardless of its modification time, and makes
// it current if it parses and differs from the config in effect. It does not
// invoke the change callback.
func (w *Watcher) Reload() (ConfigDiff, error) {
	_, d, err := w.reload()
	return d, err
}

func (w *Watcher) reload() (*Config, ConfigDiff, error) {
	snap, err := readSnapshot(w.path)
	if err != nil {
		return nil, ConfigDiff{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if snap.sum == w.last.sum {
		w.last.mtime = snap.mtime
		return nil, ConfigDiff{}, ErrUnchanged
	}
	old := w.last.cfg
	w.last = snap
	return old, Diff(old, snap.cfg), nil
}

// readSnapshot parses path exactly as [Load] does, environment overrides
// included.
func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	ApplyEnv(cfg, os.LookupEnv)
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
