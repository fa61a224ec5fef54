package pipeline

import (
	"fmt"

	"livescribe/dsp"
)

// TargetRate is the sample rate handed to the transcriber.
const TargetRate = 16000

type Resampler interface {
	Resample(samples []float32, src, dst int) ([]float32, error)
}

// source is one drained channel buffer.
type source struct {
	raw        []byte
	channels   int
	sampleRate int
}

type conditioned struct {
	samples     []float32
	loopbackRMS float64
	micRMS      float64
	hasMic      bool
	// micErr is set when the mic could not be conditioned and the segment
	// carries the loopback alone.
	micErr error
}

func toTarget(r Resampler, s source) ([]float32, error) {
	mono := dsp.ToMono(s.raw, s.channels)
	out, err := r.Resample(mono, s.sampleRate, TargetRate)
	if err != nil {
		return nil, fmt.Errorf("resample %d Hz: %w", s.sampleRate, err)
	}
	return out, nil
}

// condition converts both sources to mono at TargetRate and mixes them.
// An empty mic buffer, or one that fails to resample, yields the loopback
// signal alone. Only a loopback failure is an error.
func condition(r Resampler, loop source, mic *source) (conditioned, error) {
	lb, err := toTarget(r, loop)
	if err != nil {
		return conditioned{}, err
	}
	out := conditioned{samples: lb, loopbackRMS: dsp.RMS(lb)}
	if mic == nil || len(mic.raw) == 0 {
		return out, nil
	}

	m, err := toTarget(r, *mic)
	if err != nil {
		out.micErr = fmt.Errorf("microphone: %w", err)
		return out, nil
	}
	out.hasMic = true
	out.micRMS = dsp.RMS(m)
	out.samples = dsp.Mix(lb, m)
	return out, nil
}
