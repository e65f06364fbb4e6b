// Package vad implements the loudness gate that decides which microphone
// chunks are forwarded to the realtime model.
//
// The gate is a small state machine. While idle it keeps a ring of the most
// recent chunks (the pre-roll) so the onset of an utterance is never clipped.
// When a chunk crosses the loudness threshold the gate turns active and
// releases the pre-roll in capture order. After the last loud chunk it keeps
// forwarding a fixed number of quiet chunks (the post-roll) before going idle
// again.
//
// A Gate is not safe for concurrent use. The conversation worker owns one per
// session and feeds it from a single goroutine.
package vad

import (
	"errors"
	"fmt"

	"github.com/kaiwa-lab/kaiwa/pkg/audio"
)

// Config holds the gate parameters.
type Config struct {
	// Threshold is the loudness, on the 0–1 scale of [audio.Loudness], at or
	// above which a chunk counts as speech. Typical: 0.01.
	Threshold float64

	// PreRoll is the number of chunks retained while idle, including the chunk
	// that triggers activation. Must be at least 1. Typical: 10.
	PreRoll int

	// PostRoll is the number of consecutive quiet chunks forwarded after speech
	// before the gate goes idle. Typical: 20.
	PostRoll int
}

// DefaultConfig returns the tuning used for 1024-sample chunks at 24 kHz.
func DefaultConfig() Config {
	return Config{Threshold: 0.01, PreRoll: 10, PostRoll: 20}
}

// Validate reports an error for unusable parameters.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad: threshold %v outside [0,1]", c.Threshold))
	}
	if c.PreRoll < 1 {
		errs = append(errs, fmt.Errorf("vad: pre-roll %d must be at least 1", c.PreRoll))
	}
	if c.PostRoll < 0 {
		errs = append(errs, fmt.Errorf("vad: post-roll %d must not be negative", c.PostRoll))
	}
	return errors.Join(errs...)
}

// Decision is the outcome of classifying one chunk.
type Decision int

const (
	// Drop means nothing is forwarded for this chunk.
	Drop Decision = iota

	// Send means [Action.Chunks] must be forwarded in order.
	Send
)

// String returns "drop" or "send".
func (d Decision) String() string {
	if d == Send {
		return "send"
	}
	return "drop"
}

// Action is what the caller should do after [Gate.Classify].
type Action struct {
	Decision Decision

	// Chunks holds the chunks to forward, oldest first. On activation this is
	// the whole pre-roll, ending with the triggering chunk. Empty on Drop.
	Chunks [][]int16

	// Loudness is the measured loudness of the classified chunk.
	Loudness float64
}

// Gate is the loudness gate state machine.
type Gate struct {
	cfg Config

	active    bool
	remaining int // post-roll chunks left while active

	// ring holds up to cfg.PreRoll chunks; head is the oldest.
	ring  [][]int16
	head  int
	count int
}

// NewGate returns an idle gate.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg, ring: make([][]int16, cfg.PreRoll)}, nil
}

// Active reports whether the gate is currently forwarding audio.
func (g *Gate) Active() bool { return g.active }

// Reset returns the gate to idle and discards the pre-roll.
func (g *Gate) Reset() {
	g.active = false
	g.remaining = 0
	g.drain()
}

// Classify feeds one chunk through the gate. An empty chunk has loudness 0.
// The chunk slice is retained, so callers must not reuse its backing array.
func (g *Gate) Classify(chunk []int16) Action {
	level := audio.Loudness(chunk)
	loud := level >= g.cfg.Threshold

	if g.active {
		if loud {
			g.remaining = g.cfg.PostRoll
			return Action{Decision: Send, Chunks: [][]int16{chunk}, Loudness: level}
		}
		if g.remaining > 0 {
			g.remaining--
			return Action{Decision: Send, Chunks: [][]int16{chunk}, Loudness: level}
		}
		g.active = false
	}

	g.push(chunk)
	if !loud {
		return Action{Decision: Drop, Loudness: level}
	}
	g.active = true
	g.remaining = g.cfg.PostRoll
	return Action{Decision: Send, Chunks: g.drain(), Loudness: level}
}

func (g *Gate) push(chunk []int16) {
	n := len(g.ring)
	if g.count < n {
		g.ring[(g.head+g.count)%n] = chunk
		g.count++
		return
	}
	g.ring[g.head] = chunk
	g.head = (g.head + 1) % n
}

// drain empties the ring and returns its contents oldest first.
func (g *Gate) drain() [][]int16 {
	out := make([][]int16, 0, g.count)
	n := len(g.ring)
	for i := range g.count {
		idx := (g.head + i) % n
		out = append(out, g.ring[idx])
		g.ring[idx] = nil
	}
	g.head, g.count = 0, 0
	return out
}
