package conversation

import (
	"slices"
	"sync"

	"github.com/kaiwa-lab/kaiwa/pkg/audio"
)

// Recording accumulates one side of the conversation as mono int16 PCM at
// [audio.AgentSampleRate]. It is safe for concurrent use.
type Recording struct {
	mu      sync.Mutex
	samples []int16
}

// Append adds samples.
func (r *Recording) Append(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, samples...)
}

// AppendPCM adds little-endian PCM16 bytes.
func (r *Recording) AppendPCM(pcm []byte) {
	r.Append(audio.BytesToPCM16(pcm))
}

// Samples returns a copy of everything recorded.
func (r *Recording) Samples() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.samples)
}

// Len returns the number of recorded samples.
func (r *Recording) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Reset discards the recording.
func (r *Recording) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
}
