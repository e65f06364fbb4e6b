package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kaiwa-lab/kaiwa/internal/observe"
	"github.com/kaiwa-lab/kaiwa/pkg/audio"
	"github.com/kaiwa-lab/kaiwa/pkg/provider/realtime"
	"github.com/kaiwa-lab/kaiwa/pkg/vad"
)

// captureQueue is the hand-off depth between the capture callback and the
// worker, about 2.7 s of audio at 24 kHz.
const captureQueue = 64

// Input opens capture streams. *audio.IO satisfies it.
type Input interface {
	StartInputStream(sampleRate, blockSize int, onChunk func(audio.Chunk)) (audio.InputStream, error)
}

// capture moves microphone audio to the agent: the device callback records
// the raw block and hands it to a worker, which applies the mic gain, runs
// the gate and forwards the gated chunks.
type capture struct {
	sess    realtime.Session
	gate    *vad.Gate
	gain    float64
	rec     *Recording
	metrics *observe.Metrics

	chunks     chan []int16
	forwarding atomic.Bool
	sent       atomic.Int64
	dropped    atomic.Int64

	stream audio.InputStream
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	dropLog rate.Sometimes
	sendLog rate.Sometimes
}

func newCapture(sess realtime.Session, gate *vad.Gate, gain float64, rec *Recording, m *observe.Metrics) *capture {
	return &capture{
		sess:    sess,
		gate:    gate,
		gain:    gain,
		rec:     rec,
		metrics: m,
		chunks:  make(chan []int16, captureQueue),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
		sendLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// start launches the worker and opens the input stream.
func (c *capture) start(in Input) error {
	c.forwarding.Store(true)
	go c.work()
	stream, err := in.StartInputStream(audio.AgentSampleRate, audio.BlockSize, c.onChunk)
	if err != nil {
		c.shutdown()
		return err
	}
	c.stream = stream
	slog.Debug("conversation: capture started", "device", stream.Device().String())
	return nil
}

// onChunk runs on the device thread and must not block.
func (c *capture) onChunk(ch audio.Chunk) {
	if !c.forwarding.Load() {
		return
	}
	c.rec.Append(ch.Samples)
	select {
	case c.chunks <- ch.Samples:
	default:
		c.dropped.Add(1)
		c.metrics.RecordAudioDropped(context.Background())
		c.dropLog.Do(func() {
			slog.Warn("conversation: capture worker behind, dropping audio", "dropped", c.dropped.Load())
		})
	}
}

func (c *capture) work() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case samples := <-c.chunks:
			if !c.forwarding.Load() {
				c.gate.Reset()
				continue
			}
			act := c.gate.Classify(audio.Amplify(samples, c.gain))
			if act.Decision != vad.Send {
				continue
			}
			n := 0
			for _, chunk := range act.Chunks {
				if err := c.sess.SendAudio(audio.PCM16ToBytes(chunk)); err != nil {
					if !errors.Is(err, realtime.ErrNotConnected) {
						c.sendLog.Do(func() { slog.Warn("conversation: send audio failed", "err", err) })
					}
					continue
				}
				n++
			}
			c.sent.Add(int64(n))
			c.metrics.RecordAudioSent(context.Background(), n)
		}
	}
}

// setForwarding turns forwarding on or off. While off, captured audio is
// neither recorded nor sent and queued chunks are discarded.
func (c *capture) setForwarding(on bool) { c.forwarding.Store(on) }

// shutdown closes the stream and tells the worker to exit. Idempotent.
func (c *capture) shutdown() {
	c.once.Do(func() {
		c.forwarding.Store(false)
		if c.stream != nil {
			if err := c.stream.Close(); err != nil {
				slog.Warn("conversation: close input stream", "err", err)
			}
		}
		close(c.stop)
	})
}

// wait blocks until the worker has exited or timeout elapses.
func (c *capture) wait(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
