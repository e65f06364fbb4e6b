package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToBytes encodes samples as little-endian int16 PCM.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 decodes little-endian int16 PCM. A trailing odd byte is ignored.
func BytesToPCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCM16ToFloat converts int16 samples to the normalised range [-1, 1).
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// FloatToPCM16 converts normalised float samples back to int16, clipping
// anything outside [-1, 1].
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		out[i] = clip16(float64(f) * 32767)
	}
	return out
}

// Amplify returns samples multiplied by gain and clamped to the int16 range.
// A gain of 1 returns the input unchanged.
func Amplify(samples []int16, gain float64) []int16 {
	if gain == 1 {
		return samples
	}
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = clip16(float64(s) * gain)
	}
	return out
}

// ShapeParams configures [Shape].
type ShapeParams struct {
	// Gain multiplies every sample.
	Gain float64

	// NoiseGate forces samples whose magnitude (after gain) is below this
	// value to zero. Zero disables the gate.
	NoiseGate float64
}

// Shape applies gain, noise gate and hard clipping to samples in place and
// returns them.
func Shape(samples []float32, p ShapeParams) []float32 {
	gain := float32(p.Gain)
	gate := float32(p.NoiseGate)
	for i, s := range samples {
		s *= gain
		if s < gate && s > -gate {
			s = 0
		}
		samples[i] = min(max(s, -1), 1)
	}
	return samples
}

// RMS returns the root-mean-square level of samples normalised to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the largest absolute sample value normalised to [0, 1].
func Peak(samples []int16) float64 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	return float64(peak) / 32768
}

// Loudness combines RMS and peak into one level: their mean.
func Loudness(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	return (RMS(samples) + Peak(samples)) / 2
}

// PeakFloat returns the largest absolute value in samples.
func PeakFloat(samples []float32) float64 {
	var peak float32
	for _, s := range samples {
		peak = max(peak, s, -s)
	}
	return float64(peak)
}

// ResampleMono16 resamples mono int16 samples from srcRate to dstRate using
// linear interpolation. Equal rates return the input unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := s0
		if idx+1 < len(samples) {
			s1 = float64(samples[idx+1])
		}
		out[i] = int16(s0*(1-frac) + s1*frac)
	}
	return out
}

// ResampleFloat is the float32 counterpart of [ResampleMono16].
func ResampleFloat(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// clip16 rounds v to the nearest int16, clamping to the representable range.
func clip16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}
