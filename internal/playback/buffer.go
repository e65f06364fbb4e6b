// Package playback turns the agent's bursty audio deltas into a smooth output
// stream.
//
// [Buffer] is the locked queue: deltas are converted, amplified, gated and
// clipped on ingestion so the drain loop only concatenates and writes.
// [Player] owns the drain goroutine and the output stream, reopening the
// stream on another device when a write fails.
package playback

import (
	"slices"
	"sync"

	"github.com/kaiwa-lab/kaiwa/pkg/audio"
)

// Default tuning.
const (
	DefaultGain      = 2.5
	DefaultNoiseGate = 0.001
	DefaultCeiling   = 32768 // ~1.36 s at 24 kHz
)

// BufferConfig tunes ingestion and coalescing.
type BufferConfig struct {
	// Gain multiplies every ingested sample.
	Gain float64

	// NoiseGate zeroes samples whose magnitude after gain is below it.
	NoiseGate float64

	// Ceiling is the largest block, in samples, the drain loop writes at once.
	Ceiling int
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.Gain == 0 {
		c.Gain = DefaultGain
	}
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	return c
}

// Buffer is a thread-safe FIFO of normalised float32 chunks.
type Buffer struct {
	cfg BufferConfig

	mu      sync.Mutex
	queue   [][]float32
	samples int
}

// NewBuffer returns an empty Buffer. Zero fields of cfg take the defaults;
// a zero NoiseGate disables the gate.
func NewBuffer(cfg BufferConfig) *Buffer {
	return &Buffer{cfg: cfg.withDefaults()}
}

// Ingest converts a raw little-endian PCM16 delta and queues it.
func (b *Buffer) Ingest(pcm []byte) {
	samples := audio.PCM16ToFloat(audio.BytesToPCM16(pcm))
	if len(samples) == 0 {
		return
	}
	b.Enqueue(audio.Shape(samples, audio.ShapeParams{Gain: b.cfg.Gain, NoiseGate: b.cfg.NoiseGate}))
}

// Enqueue appends chunk. Chunks longer than the ceiling are split so no write
// ever exceeds it. The buffer takes ownership of chunk.
func (b *Buffer) Enqueue(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for part := range slices.Chunk(chunk, b.cfg.Ceiling) {
		b.queue = append(b.queue, part)
	}
	b.samples += len(chunk)
}

// Len returns the number of queued chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Samples returns the number of queued samples.
func (b *Buffer) Samples() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples
}

// Clear drops everything queued and returns how many samples were dropped.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.samples
	b.queue = nil
	b.samples = 0
	return n
}

// next pops chunks and concatenates them until the queue is empty or the
// next chunk would push the block past the ceiling. It returns nil when the
// queue is empty.
func (b *Buffer) next() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	if len(b.queue) == 1 || len(b.queue[0])+len(b.queue[1]) > b.cfg.Ceiling {
		block := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.samples -= len(block)
		return block
	}

	n, size := 0, 0
	for n < len(b.queue) && size+len(b.queue[n]) <= b.cfg.Ceiling {
		size += len(b.queue[n])
		n++
	}
	block := make([]float32, 0, size)
	for i := range n {
		block = append(block, b.queue[i]...)
		b.queue[i] = nil
	}
	b.queue = b.queue[n:]
	b.samples -= size
	return block
}
