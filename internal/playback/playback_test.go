package playback_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kaiwa-lab/kaiwa/internal/playback"
	"github.com/kaiwa-lab/kaiwa/pkg/audio"
	"github.com/kaiwa-lab/kaiwa/pkg/audio/mock"
)

func speakers() *mock.Backend {
	return mock.New(
		audio.Device{ID: 0, Name: "speaker-a", MaxOutputChannels: 2},
		audio.Device{ID: 1, Name: "speaker-b", MaxOutputChannels: 2},
	)
}

func ramp(n int, start float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = start + float32(i)*1e-6
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func totalSamples(writes [][]float32) int {
	n := 0
	for _, w := range writes {
		n += len(w)
	}
	return n
}

func TestBuffer_CoalescesUnderCeiling(t *testing.T) {
	t.Parallel()

	b := playback.NewBuffer(playback.BufferConfig{})
	for range 5 {
		b.Enqueue(make([]float32, 10000))
	}
	b.Enqueue(make([]float32, 70000))
	if b.Len() != 8 {
		t.Fatalf("Len = %d, want 8 (oversized chunk split in three)", b.Len())
	}

	backend := speakers()
	p := playback.NewPlayer(b, audio.NewIO(backend), playback.PlayerConfig{IdleSleep: time.Millisecond})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "queue drained", func() bool { return p.Written() == 120000 })
	if err := p.Stop(true, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	writes := backend.Outputs()[0].Written()
	if len(writes) < 2 {
		t.Fatalf("got %d writes, want several", len(writes))
	}
	for i, w := range writes {
		if len(w) > playback.DefaultCeiling {
			t.Errorf("write %d has %d samples, exceeds ceiling %d", i, len(w), playback.DefaultCeiling)
		}
	}
	if len(writes[0]) != 30000 {
		t.Errorf("first write = %d samples, want 30000 (three chunks coalesced)", len(writes[0]))
	}
	if totalSamples(writes) != 120000 {
		t.Errorf("total written = %d", totalSamples(writes))
	}
}

func TestBuffer_Ingest(t *testing.T) {
	t.Parallel()

	b := playback.NewBuffer(playback.BufferConfig{NoiseGate: playback.DefaultNoiseGate})
	// 16384 -> 0.5 * 2.5 clips to 1; 10 -> ~0.00076 is gated; -3277 -> ~-0.25.
	b.Ingest(audio.PCM16ToBytes([]int16{16384, 10, -3277}))
	b.Ingest(nil)
	if b.Len() != 1 || b.Samples() != 3 {
		t.Fatalf("Len = %d, Samples = %d", b.Len(), b.Samples())
	}

	backend := speakers()
	p := playback.NewPlayer(b, audio.NewIO(backend), playback.PlayerConfig{})
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(true, time.Second); err != nil {
		t.Fatal(err)
	}
	got := backend.Outputs()[0].Written()[0]
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("shaped = %v", got)
	}
	if got[2] > -0.24 || got[2] < -0.26 {
		t.Errorf("sample 2 = %v, want about -0.25", got[2])
	}
}

func TestPlayer_PausedEnqueueKeepsQueue(t *testing.T) {
	t.Parallel()

	b := playback.NewBuffer(playback.BufferConfig{})
	b.Enqueue(make([]float32, 100))
	p := playback.NewPlayer(b, audio.NewIO(speakers()), playback.PlayerConfig{PausePoll: time.Millisecond})
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Stop(false, time.Second) })

	waitFor(t, "initial drain", func() bool { return b.Len() == 0 })
	p.Pause()
	for i := range 3 {
		b.Enqueue(ramp(50, float32(i)))
	}
	time.Sleep(30 * time.Millisecond)
	if b.Len() != 3 {
		t.Fatalf("queue length while paused = %d, want 3", b.Len())
	}

	p.Resume()
	waitFor(t, "drain after resume", func() bool { return b.Len() == 0 })
}

func TestPlayer_PauseClearsStaleAudio(t *testing.T) {
	t.Parallel()

	b := playback.NewBuffer(playback.BufferConfig{})
	p := playback.NewPlayer(b, audio.NewIO(speakers()), playback.PlayerConfig{})
	p.Pause()
	b.Enqueue(make([]float32, 10))
	p.Pause()
	if b.Len() != 0 {
		t.Errorf("Len after Pause = %d, want 0", b.Len())
	}
}

func TestPlayer_WriteFailureReopensWithoutLoss(t *testing.T) {
	t.Parallel()

	backend := speakers()
	backend.WriteErr[0] = errors.New("device unplugged")

	b := playback.NewBuffer(playback.BufferConfig{})
	var want int
	for i := range 4 {
		chunk := ramp(8000, float32(i)/10)
		want += len(chunk)
		b.Enqueue(chunk)
	}

	p := playback.NewPlayer(b, audio.NewIO(backend), playback.PlayerConfig{IdleSleep: time.Millisecond})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "drain on second device", func() bool { return p.Written() == int64(want) })
	if err := p.Stop(true, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	outs := backend.Outputs()
	if len(outs) != 2 {
		t.Fatalf("opened %d streams, want 2", len(outs))
	}
	if outs[0].Device().ID != 0 || outs[1].Device().ID != 1 {
		t.Errorf("devices = %v, %v", outs[0].Device(), outs[1].Device())
	}
	if outs[0].Failures() == 0 {
		t.Error("first device never failed")
	}
	if got := totalSamples(outs[1].Written()); got != want {
		t.Errorf("second device got %d samples, want %d", got, want)
	}
	if first := outs[1].Written()[0][0]; first != 0 {
		t.Errorf("first sample on reopened device = %v, want the head of the queue", first)
	}
	if p.Reopens() != 1 || p.Device().ID != 1 {
		t.Errorf("Reopens = %d, Device = %v", p.Reopens(), p.Device())
	}
	if !outs[0].Closed() {
		t.Error("failed stream not closed")
	}
}

func TestPlayer_AllCandidatesFail(t *testing.T) {
	t.Parallel()

	backend := speakers()
	backend.WriteErr[0] = errors.New("gone")
	backend.WriteErr[1] = errors.New("gone too")
	backend.DisablePlatformChoice = true

	var (
		mu     sync.Mutex
		gotErr error
	)
	b := playback.NewBuffer(playback.BufferConfig{})
	b.Enqueue(make([]float32, 10))
	p := playback.NewPlayer(b, audio.NewIO(backend), playback.PlayerConfig{
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			gotErr = err
		},
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "error report", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	})
	if p.Running() {
		t.Error("player still running after fatal error")
	}

	mu.Lock()
	defer mu.Unlock()
	var devErr *audio.DeviceError
	if !errors.As(gotErr, &devErr) {
		t.Fatalf("OnError got %v, want *audio.DeviceError", gotErr)
	}
	if err := p.Stop(false, time.Second); err != nil {
		t.Errorf("Stop after failure: %v", err)
	}
}

func TestPlayer_StopWithoutDrainDiscards(t *testing.T) {
	t.Parallel()

	backend := speakers()
	b := playback.NewBuffer(playback.BufferConfig{})
	p := playback.NewPlayer(b, audio.NewIO(backend), playback.PlayerConfig{})
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	p.Pause()
	b.Enqueue(make([]float32, 1000))
	if err := p.Stop(false, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("queue not cleared: %d", b.Len())
	}
	if !backend.Outputs()[0].Closed() {
		t.Error("stream not closed")
	}
	if err := p.Start(); err != nil {
		t.Errorf("restart: %v", err)
	}
	_ = p.Stop(false, time.Second)
}

func TestPlayer_StartTwice(t *testing.T) {
	t.Parallel()

	p := playback.NewPlayer(playback.NewBuffer(playback.BufferConfig{}), audio.NewIO(speakers()), playback.PlayerConfig{})
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(false, time.Second)
	if err := p.Start(); !errors.Is(err, playback.ErrRunning) {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}
}

func TestPlayer_StartNotifyBindsCallbackToRun(t *testing.T) {
	t.Parallel()

	backend := speakers()
	backend.WriteErr[0] = errors.New("gone")
	backend.WriteErr[1] = errors.New("gone too")
	backend.DisablePlatformChoice = true

	var (
		mu              sync.Mutex
		fromCfg, fromRun int
	)
	b := playback.NewBuffer(playback.BufferConfig{})
	p := playback.NewPlayer(b, audio.NewIO(backend), playback.PlayerConfig{
		OnError: func(error) {
			mu.Lock()
			defer mu.Unlock()
			fromCfg++
		},
	})
	if err := p.StartNotify(func(error) {
		mu.Lock()
		defer mu.Unlock()
		fromRun++
	}); err != nil {
		t.Fatalf("StartNotify: %v", err)
	}
	b.Enqueue(make([]float32, 10))
	waitFor(t, "run callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fromRun == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if fromCfg != 0 {
		t.Errorf("configured OnError called %d times, want 0", fromCfg)
	}
}
