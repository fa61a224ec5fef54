// Package doctor runs the -doctor diagnostics: audio devices, a short level
// probe, the transcription backend and the clipboard.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"livescribe/audio"
	"livescribe/config"
	"livescribe/shutdown"
	"livescribe/transcriber"
)

type status int

const (
	pass status = iota
	warn
	fail
)

func (s status) String() string {
	switch s {
	case pass:
		return "PASS"
	case warn:
		return "WARN"
	}
	return "FAIL"
}

type result struct {
	status status
	detail string
}

func passf(format string, args ...any) result { return result{pass, fmt.Sprintf(format, args...)} }
func warnf(format string, args ...any) result { return result{warn, fmt.Sprintf(format, args...)} }
func failf(format string, args ...any) result { return result{fail, fmt.Sprintf(format, args...)} }

type check struct {
	name string
	run  func(ctx context.Context, e *env) result
	// needs stops the check from running when an earlier one failed.
	needs func(e *env) bool
}

// env carries state between checks.
type env struct {
	cfg      *config.Config
	out      io.Writer
	actx     audio.Context
	loopback *audio.DeviceInfo
	mic      *audio.DeviceInfo
	probe    *probeResult
	tr       transcriber.Transcriber
	tmp      string
}

var checks = []check{
	{name: "Audio backend", run: checkBackend},
	{name: "Loopback device", run: checkLoopback, needs: hasAudio},
	{name: "Microphone", run: checkMicrophone, needs: hasAudio},
	{name: "Level probe", run: checkLevels, needs: hasLoopback},
	{name: "Transcription backend", run: checkTranscriber},
	{name: "Transcription probe", run: checkTranscription, needs: canTranscribe},
	{name: "Output directory", run: checkOutDir},
	{name: "Clipboard", run: checkClipboard},
}

func hasAudio(e *env) bool      { return e.actx != nil }
func hasLoopback(e *env) bool   { return e.loopback != nil }
func canTranscribe(e *env) bool { return e.tr != nil && e.probe != nil }

// Run executes every check and returns an exit code: 0 unless a check failed.
func Run(cfg *config.Config) int {
	return run(cfg, os.Stdout)
}

func run(cfg *config.Config, out io.Writer) int {
	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	fmt.Fprintln(out, "livescribe doctor - system diagnostics")
	fmt.Fprintln(out, "======================================")

	e := &env{cfg: cfg, out: out}
	defer e.close()

	failed := false
	for i, c := range checks {
		fmt.Fprintf(out, "\n[%d/%d] %s\n", i+1, len(checks), c.name)
		if ctx.Err() != nil {
			fmt.Fprintln(out, "  SKIP: interrupted")
			failed = true
			continue
		}
		if c.needs != nil && !c.needs(e) {
			fmt.Fprintln(out, "  SKIP: depends on an earlier check")
			continue
		}
		r := c.run(ctx, e)
		fmt.Fprintf(out, "  %s: %s\n", r.status, r.detail)
		if r.status == fail {
			failed = true
		}
	}

	fmt.Fprintln(out)
	if failed {
		fmt.Fprintln(out, "Some checks failed. See details above.")
		return 1
	}
	fmt.Fprintln(out, "All checks passed!")
	return 0
}

func (e *env) close() {
	if c, ok := e.tr.(transcriber.Closer); ok {
		c.Close()
	}
	if e.actx != nil {
		e.actx.Close()
	}
	if e.tmp != "" {
		os.RemoveAll(e.tmp)
	}
}

func checkBackend(_ context.Context, e *env) result {
	actx, err := audio.NewContext()
	if err != nil {
		return failf("cannot connect to audio: %v", err)
	}
	e.actx = actx
	var enumErr error
	devices := audio.ListDevices(actx, func(err error) { enumErr = err })
	if enumErr != nil {
		return warnf("device enumeration failed: %v", enumErr)
	}
	return passf("%d devices", len(devices))
}

func checkLoopback(_ context.Context, e *env) result {
	dev, err := audio.FindLoopback(e.actx)
	if err != nil {
		return failf("%v (is the default output exposing a monitor source?)", err)
	}
	e.loopback = dev
	return passf("%s, %d ch @ %d Hz", dev.Name, dev.Channels, dev.SampleRate)
}

func checkMicrophone(_ context.Context, e *env) result {
	if e.cfg.NoMic {
		return warnf("disabled with -no-mic")
	}
	dev, err := audio.FindMicrophone(e.actx, e.cfg.MicDevice)
	if err != nil {
		return warnf("%v, sessions will run loopback only", err)
	}
	e.mic = dev
	if audio.IsBluetooth(dev.Name) {
		return warnf("%s is Bluetooth; headsets often drop to low quality while the mic is open", dev.Name)
	}
	return passf("%s, %d ch @ %d Hz", dev.Name, dev.Channels, dev.SampleRate)
}

func checkOutDir(_ context.Context, e *env) result {
	dir := e.cfg.OutDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failf("cannot create %s: %v", dir, err)
	}
	f, err := os.CreateTemp(dir, ".livescribe-doctor-*")
	if err != nil {
		return failf("%s not writable: %v", dir, err)
	}
	f.Close()
	os.Remove(f.Name())
	return passf("%s writable", dir)
}

const probeTimeout = 2 * time.Minute
