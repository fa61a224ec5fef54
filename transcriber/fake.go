package transcriber

import (
	"context"
	"sync"
	"time"
)

type FakeCall struct {
	Samples    int
	SampleRate int
	Language   string
}

// Fake returns canned texts in order, repeating the last one.
type Fake struct {
	mu    sync.Mutex
	texts []string
	err   error
	delay time.Duration
	calls []FakeCall
}

func NewFake(texts ...string) *Fake {
	return &Fake{texts: texts}
}

func (f *Fake) Name() string { return "fake" }

// SetError makes every following call fail with err.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// SetDelay makes calls block for d or until the context ends.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

func (f *Fake) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Samples: len(samples), SampleRate: sampleRate, Language: language})
	n := len(f.calls)
	delay, err := f.delay, f.err
	var text string
	if len(f.texts) > 0 {
		text = f.texts[min(n, len(f.texts))-1]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Result{
		Text:     text,
		Duration: durationSeconds(len(samples), sampleRate),
		Device:   "fake",
	}, nil
}

func durationSeconds(n, rate int) float64 {
	if rate == 0 {
		return 0
	}
	return float64(n) / float64(rate)
}
