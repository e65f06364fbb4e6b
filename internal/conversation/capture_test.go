package conversation

import (
	"testing"
	"time"

	"github.com/kaiwa-lab/kaiwa/pkg/audio"
	audiomock "github.com/kaiwa-lab/kaiwa/pkg/audio/mock"
	rtmock "github.com/kaiwa-lab/kaiwa/pkg/provider/realtime/mock"
	"github.com/kaiwa-lab/kaiwa/pkg/vad"
)

func newTestCapture(t *testing.T, sess *rtmock.Session, rec *Recording) (*capture, *audiomock.Backend) {
	t.Helper()
	gate, err := vad.NewGate(vad.Config{Threshold: 0.01, PreRoll: 3, PostRoll: 1})
	if err != nil {
		t.Fatal(err)
	}
	backend := audiomock.New(audio.Device{ID: 0, Name: "mic", MaxInputChannels: 1})
	c := newCapture(sess, gate, 1, rec, nil)
	if err := c.start(audio.NewIO(backend)); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		c.shutdown()
		c.wait(time.Second)
	})
	return c, backend
}

func TestCapture_GateReleasesPreRoll(t *testing.T) {
	t.Parallel()

	sess := rtmock.NewSession()
	var rec Recording
	c, backend := newTestCapture(t, sess, &rec)

	quiet := make([]int16, audio.BlockSize)
	backend.Emit(quiet)
	backend.Emit(quiet)
	time.Sleep(20 * time.Millisecond)
	if n := len(sess.Audio()); n != 0 {
		t.Fatalf("forwarded %d quiet chunks", n)
	}

	backend.Emit(loud(audio.BlockSize))
	waitFor(t, "pre-roll released", func() bool { return len(sess.Audio()) == 3 })
	if got := len(sess.Audio()[0]); got != audio.BlockSize*2 {
		t.Errorf("chunk bytes = %d, want %d", got, audio.BlockSize*2)
	}
	if c.sent.Load() != 3 {
		t.Errorf("sent = %d", c.sent.Load())
	}
	if rec.Len() != 3*audio.BlockSize {
		t.Errorf("recorded %d samples, want every captured block", rec.Len())
	}
}

func TestCapture_ClosedSessionIsNotFatal(t *testing.T) {
	t.Parallel()

	sess := rtmock.NewSession()
	var rec Recording
	c, backend := newTestCapture(t, sess, &rec)
	_ = sess.Close()

	backend.Emit(loud(audio.BlockSize))
	waitFor(t, "chunk recorded", func() bool { return rec.Len() == audio.BlockSize })
	time.Sleep(20 * time.Millisecond)
	if c.sent.Load() != 0 {
		t.Errorf("sent = %d after close", c.sent.Load())
	}
}

func TestCapture_ShutdownClosesStream(t *testing.T) {
	t.Parallel()

	sess := rtmock.NewSession()
	var rec Recording
	c, backend := newTestCapture(t, sess, &rec)

	c.shutdown()
	c.shutdown()
	if !c.wait(time.Second) {
		t.Fatal("worker did not exit")
	}
	if !backend.Inputs()[0].Closed() {
		t.Error("input stream left open")
	}
	backend.Emit(loud(audio.BlockSize))
	if rec.Len() != 0 {
		t.Error("recorded after shutdown")
	}
}
