// Package resample converts mono float32 segments between sample rates
// using libsoxr.
package resample

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	soxr "github.com/zaf/resample"
)

var ErrRate = errors.New("invalid sample rate")

// Soxr resamples whole segments. Each call builds a fresh resampler so no
// filter state leaks between segments.
type Soxr struct {
	Quality int
}

func New() *Soxr {
	return &Soxr{Quality: soxr.HighQ}
}

// Resample converts samples from rate src to rate dst. Equal rates return
// the input unchanged.
func (r *Soxr) Resample(samples []float32, src, dst int) ([]float32, error) {
	if src <= 0 || dst <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrRate, src, dst)
	}
	if src == dst || len(samples) == 0 {
		return samples, nil
	}

	var out bytes.Buffer
	res, err := soxr.New(&out, float64(src), float64(dst), 1, soxr.F32, r.Quality)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}

	in := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(in[i*4:], math.Float32bits(s))
	}
	if _, err := res.Write(in); err != nil {
		res.Close()
		return nil, fmt.Errorf("resample %d -> %d: %w", src, dst, err)
	}
	// Close flushes the filter tail into out.
	if err := res.Close(); err != nil {
		return nil, fmt.Errorf("flush resampler: %w", err)
	}

	raw := out.Bytes()
	result := make([]float32, len(raw)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return result, nil
}
