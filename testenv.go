package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"livescribe/audio"
	"livescribe/config"
	"livescribe/log"
	"livescribe/pipeline"
)

// runTestMode replays cfg.TestWAV as the loopback source in real time and
// stops once the file has played out and its last segment has been cut.
func runTestMode(ctx context.Context, cfg *config.Config, pcfg pipeline.Config, deps pipeline.Deps) (*pipeline.Pipeline, error) {
	fake, ok := deps.Audio.(*audio.FakeContext)
	if !ok {
		return nil, fmt.Errorf("test mode needs the WAV backend")
	}
	deps.Observer = newConsoleObserver(os.Stdout)
	p := pipeline.New(pcfg, deps)

	log.Info("test_mode: " + cfg.TestWAV)
	go func() {
		c := waitForCapture(ctx, fake, audio.FakeLoopbackID)
		if c == nil {
			return
		}
		select {
		case <-c.AudioDone():
		case <-ctx.Done():
			return
		}
		// One more full segment of trailing silence flushes the tail.
		select {
		case <-time.After(cfg.Segment + 2*cfg.PollInterval):
		case <-ctx.Done():
		}
		p.Stop()
	}()

	return p, p.Run(ctx)
}

func waitForCapture(ctx context.Context, fake *audio.FakeContext, id string) *audio.FakeCapture {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c := fake.Capture(id); c != nil {
			return c
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
