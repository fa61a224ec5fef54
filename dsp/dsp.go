// Package dsp holds the sample-level transforms applied to each segment
// before it is transcribed.
package dsp

import (
	"encoding/binary"
	"math"
)

const (
	// SilenceThreshold is the RMS below which a segment is not transcribed.
	SilenceThreshold = 0.001
	// MixCeiling is the peak a mixed segment is scaled back to.
	MixCeiling = 0.95
)

// ToMono decodes interleaved S16LE and averages the channels into float32
// samples in [-1, 1]. A trailing partial frame is ignored.
func ToMono(raw []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frameBytes := 2 * channels
	frames := len(raw) / frameBytes
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * frameBytes
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(raw[base+2*ch:]))
			sum += float32(s) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Mix sums two mono streams sample by sample over the shorter length. When
// the sum peaks above MixCeiling the whole result is scaled so the peak
// equals MixCeiling.
func Mix(a, b []float32) []float32 {
	n := min(len(a), len(b))
	out := make([]float32, n)
	var peak float32
	for i := 0; i < n; i++ {
		v := a[i] + b[i]
		out[i] = v
		if abs := float32(math.Abs(float64(v))); abs > peak {
			peak = abs
		}
	}
	if peak > MixCeiling {
		scale := MixCeiling / peak
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// RMS returns the root mean square of samples; 0 for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// IsSilence reports whether the segment's RMS falls below threshold.
func IsSilence(samples []float32, threshold float64) bool {
	return RMS(samples) < threshold
}

// FloatToPCM16 converts [-1, 1] samples to int16, clamping out-of-range values.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(math.Round(v))
	}
	return out
}
