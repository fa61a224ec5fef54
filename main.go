package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"livescribe/audio"
	"livescribe/config"
	"livescribe/doctor"
	"livescribe/log"
	"livescribe/pipeline"
	"livescribe/resample"
	"livescribe/shutdown"
	"livescribe/sink"
	"livescribe/transcriber"
)

var version = "dev"

const noLoopbackMsg = "Error: no loopback device found. Check that the default output has a monitor source."

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if cfg.Version {
		fmt.Printf("livescribe %s (%s)\n", version, audioBackend)
		return 0
	}

	logPath, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	if cfg.Doctor {
		return doctor.Run(cfg)
	}

	actx, err := newAudioContext(cfg)
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	if cfg.ListDevices {
		printDevices(os.Stdout, actx)
		return 0
	}

	if cfg.Setup && cfg.MicDevice == "" {
		dev, err := audio.SelectDevice(actx, "")
		switch {
		case errors.Is(err, audio.ErrSelectionCancelled):
			fmt.Println("Selection cancelled, using the default microphone")
		case err != nil:
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
		default:
			cfg.MicDevice = dev.ID
		}
	}

	tmp, err := os.MkdirTemp("", "livescribe-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer os.RemoveAll(tmp)

	tr, err := transcriber.New(transcriber.Options{
		Backend:        cfg.Backend,
		Model:          cfg.Model,
		WhisperBin:     cfg.WhisperBin,
		ModelsDir:      cfg.ModelsDir,
		TempDir:        tmp,
		GroqAPIKey:     cfg.GroqAPIKey,
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		DeepgramAPIKey: cfg.DeepgramAPIKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if c, ok := tr.(transcriber.Closer); ok {
		defer c.Close()
	}
	if err := checkModel(tr, cfg.Model); err != nil {
		fmt.Fprintf(os.Stderr, "Error: transcription model unavailable: %v\n", err)
		return 1
	}

	out, err := openSink(actx, cfg.OutDir, time.Now())
	if err != nil {
		log.Errorf("startup: %v", err)
		if errors.Is(err, audio.ErrNoLoopback) {
			fmt.Fprintln(os.Stderr, noLoopbackMsg)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	defer out.Close()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	pcfg := pipeline.Config{
		Segment:           cfg.Segment,
		PollInterval:      cfg.PollInterval,
		TranscribeTimeout: cfg.TranscribeTimeout,
		SilenceThreshold:  cfg.SilenceThreshold,
		SilenceWarnAfter:  cfg.SilenceWarnAfter,
		Language:          cfg.Language,
		MicID:             cfg.MicDevice,
		NoMic:             cfg.NoMic || cfg.TestWAV != "",
		MicGain:           int32(cfg.MicGain),
	}
	deps := pipeline.Deps{
		Audio:       actx,
		Transcriber: tr,
		Resampler:   resample.New(),
		Sink:        out,
	}

	log.SessionStart(tr.Name(), cfg.Model, cfg.Language, cfg.Segment)

	var p *pipeline.Pipeline
	switch {
	case cfg.TestWAV != "":
		p, err = runTestMode(ctx, cfg, pcfg, deps)
	case cfg.TUI:
		p, err = runTUI(ctx, cfg, pcfg, deps, out, tr.Name())
	default:
		p, err = runPlain(ctx, cfg, pcfg, deps, out, tr.Name())
	}

	var st pipeline.Stats
	if p != nil {
		st = p.Stats()
	}
	log.SessionEnd(st.Written, st.Skipped)

	if err != nil {
		log.Errorf("pipeline stopped: %v", err)
		if errors.Is(err, audio.ErrNoLoopback) {
			fmt.Fprintln(os.Stderr, noLoopbackMsg)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	fmt.Printf("Transcript saved to %s (%d lines)\n", out.Path(), st.Written)
	return 0
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

// checkModel verifies the engine up front so a missing model fails at start
// instead of on every segment.
func checkModel(tr transcriber.Transcriber, model string) error {
	device := ""
	var err error
	if c, ok := tr.(transcriber.Checker); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = c.Check(ctx)
		cancel()
	}
	if d, ok := tr.(interface{ Device() string }); ok {
		device = d.Device()
	}
	log.ModelCheck(tr.Name(), model, device, err)
	return err
}

// openSink starts the transcript only once a loopback source exists, so a
// failed start leaves the previous transcript in place.
func openSink(actx audio.Context, dir string, now time.Time) (*sink.Writer, error) {
	if _, err := audio.FindLoopback(actx); err != nil {
		return nil, err
	}
	return sink.Open(dir, now)
}

func newAudioContext(cfg *config.Config) (audio.Context, error) {
	if cfg.TestWAV != "" {
		return audio.NewFakeContextFromWAV(cfg.TestWAV, true)
	}
	return audio.NewContext()
}

func runPlain(ctx context.Context, cfg *config.Config, pcfg pipeline.Config, deps pipeline.Deps, out *sink.Writer, backend string) (*pipeline.Pipeline, error) {
	deps.Observer = newConsoleObserver(os.Stdout)
	p := pipeline.New(pcfg, deps)
	fmt.Printf("livescribe %s | %s | model %s | language %s | segment %s\n",
		version, backend, cfg.Model, languageLabel(cfg.Language), cfg.Segment)
	fmt.Printf("Writing %s (Ctrl+C to stop)\n", out.Path())
	return p, p.Run(ctx)
}

func runTUI(ctx context.Context, cfg *config.Config, pcfg pipeline.Config, deps pipeline.Deps, out *sink.Writer, backend string) (*pipeline.Pipeline, error) {
	obs := &teaObserver{}
	deps.Observer = obs
	p := pipeline.New(pcfg, deps)

	model := newTUIModel(p, tuiInfo{
		Backend:    backend,
		Model:      cfg.Model,
		Segment:    cfg.Segment,
		Transcript: out.Path(),
	})
	prog := tea.NewProgram(model, tea.WithAltScreen())
	obs.setProgram(prog)

	runErr := make(chan error, 1)
	go func() {
		err := p.Run(ctx)
		prog.Quit()
		runErr <- err
	}()

	if _, err := prog.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
	}
	p.Stop()
	// Quitting before Run started is a normal exit.
	if err := <-runErr; !errors.Is(err, pipeline.ErrStopped) {
		return p, err
	}
	return p, nil
}
