// Package audio holds the PCM helpers and the device abstraction shared by
// the capture and playback pipelines.
//
// Audio on the agent channel is mono, signed 16-bit PCM at [AgentSampleRate].
// Capture produces fixed-size blocks of [BlockSize] samples; playback consumes
// normalised float32 samples. Device-native rates are converted at the device
// boundary so the rest of the engine never sees them.
package audio

import "time"

const (
	// AgentSampleRate is the sample rate of every PCM stream exchanged with
	// the conversational agent.
	AgentSampleRate = 24000

	// BlockSize is the capture block size in samples (~43 ms at 24 kHz).
	BlockSize = 1024

	// OutputBlockSize is the default frames-per-buffer of the playback stream.
	OutputBlockSize = 16384
)

// Chunk is one captured block of mono int16 samples together with its
// position in the capture stream.
type Chunk struct {
	// Samples holds mono signed 16-bit PCM.
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when this chunk was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// SamplesFor returns how many samples of the given rate cover d.
func SamplesFor(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
