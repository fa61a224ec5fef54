package doctor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"livescribe/audio"
	"livescribe/capture"
	"livescribe/dsp"
	"livescribe/resample"
	"livescribe/transcriber"
)

const (
	probeDuration = 3 * time.Second
	probeRate     = 16000
)

type probeResult struct {
	samples     []float32 // mixed, mono at probeRate
	loopbackRMS float64
	micRMS      float64
}

// captureProbe records both sources for d and returns the mixed signal.
func captureProbe(ctx context.Context, actx audio.Context, loop, mic *audio.DeviceInfo, d time.Duration) (*probeResult, error) {
	lc, err := capture.Open(actx, "loopback", *loop, capture.Options{})
	if err != nil {
		return nil, err
	}
	defer lc.Close()

	var mc *capture.Channel
	if mic != nil {
		if mc, err = capture.Open(actx, "microphone", *mic, capture.Options{}); err == nil {
			defer mc.Close()
		}
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rs := resample.New()
	toMono := func(c *capture.Channel) ([]float32, error) {
		return rs.Resample(dsp.ToMono(c.Drain(), c.Channels()), c.SampleRate(), probeRate)
	}
	lb, err := toMono(lc)
	if err != nil {
		return nil, err
	}
	res := &probeResult{samples: lb, loopbackRMS: dsp.RMS(lb)}
	if mc != nil {
		m, err := toMono(mc)
		if err != nil {
			return nil, err
		}
		res.micRMS = dsp.RMS(m)
		if len(m) > 0 {
			res.samples = dsp.Mix(lb, m)
		}
	}
	return res, nil
}

func checkLevels(ctx context.Context, e *env) result {
	fmt.Fprintf(e.out, "  Play some audio and speak for %s...\n", probeDuration)
	p, err := captureProbe(ctx, e.actx, e.loopback, e.mic, probeDuration)
	if err != nil {
		return failf("capture failed: %v", err)
	}
	e.probe = p
	levels := fmt.Sprintf("loopback RMS %.4f, mic RMS %.4f", p.loopbackRMS, p.micRMS)
	if dsp.IsSilence(p.samples, e.cfg.SilenceThreshold) {
		return warnf("%s, below the silence threshold %g", levels, e.cfg.SilenceThreshold)
	}
	return passf("%s", levels)
}

func checkTranscriber(ctx context.Context, e *env) result {
	tmp, err := os.MkdirTemp("", "livescribe-doctor-")
	if err != nil {
		return failf("%v", err)
	}
	e.tmp = tmp
	tr, err := transcriber.New(transcriber.Options{
		Backend:        e.cfg.Backend,
		Model:          e.cfg.Model,
		WhisperBin:     e.cfg.WhisperBin,
		ModelsDir:      e.cfg.ModelsDir,
		TempDir:        tmp,
		GroqAPIKey:     e.cfg.GroqAPIKey,
		OpenAIAPIKey:   e.cfg.OpenAIAPIKey,
		DeepgramAPIKey: e.cfg.DeepgramAPIKey,
	})
	if err != nil {
		return failf("%v", err)
	}
	if c, ok := tr.(transcriber.Checker); ok {
		if err := c.Check(ctx); err != nil {
			if cl, ok := tr.(transcriber.Closer); ok {
				cl.Close()
			}
			return failf("%s: %v", tr.Name(), err)
		}
	}
	e.tr = tr
	return passf("%s, model %s", tr.Name(), e.cfg.Model)
}

func checkTranscription(ctx context.Context, e *env) result {
	if dsp.IsSilence(e.probe.samples, e.cfg.SilenceThreshold) {
		return warnf("probe was silent, nothing to transcribe")
	}
	tctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	start := time.Now()
	res, err := e.tr.Transcribe(tctx, e.probe.samples, probeRate, e.cfg.Language)
	if err != nil {
		return failf("%v", err)
	}
	text := strings.TrimSpace(res.Text)
	took := time.Since(start).Round(10 * time.Millisecond)
	if text == "" {
		return warnf("no speech recognized (%s)", took)
	}
	return passf("%q in %s", text, took)
}
