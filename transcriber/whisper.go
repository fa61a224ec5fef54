package transcriber

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"livescribe/dsp"
	"livescribe/encoder"
	"livescribe/log"
)

// runFunc executes the engine binary and returns its stdout.
type runFunc func(ctx context.Context, bin string, args []string) ([]byte, error)

func execRun(ctx context.Context, bin string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, msg)
	}
	return stdout.Bytes(), nil
}

// Whisper runs the whisper.cpp CLI on a temporary WAV per segment. The
// first failure on the accelerator switches it to CPU for the rest of
// the session.
type Whisper struct {
	bin       string
	model     string
	modelPath string
	tempDir   string
	run       runFunc

	cpuOnly atomic.Bool
}

func NewWhisper(bin, modelsDir, model, tempDir string) *Whisper {
	if bin == "" {
		bin = "whisper-cli"
	}
	if modelsDir == "" {
		modelsDir = "models"
	}
	if model == "" {
		model = "small"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Whisper{
		bin:       bin,
		model:     model,
		modelPath: filepath.Join(modelsDir, "ggml-"+model+".bin"),
		tempDir:   tempDir,
		run:       execRun,
	}
}

func (w *Whisper) Name() string { return "whisper-cli" }

func (w *Whisper) Device() string {
	if w.cpuOnly.Load() {
		return "cpu"
	}
	return "gpu"
}

func (w *Whisper) segmentBase() string {
	return filepath.Join(w.tempDir, fmt.Sprintf("livescribe-segment-%d", os.Getpid()))
}

// Check verifies that the binary and model are present.
func (w *Whisper) Check(_ context.Context) error {
	if _, err := exec.LookPath(w.bin); err != nil {
		log.ModelCheck(w.Name(), w.model, w.Device(), err)
		return fmt.Errorf("whisper binary %q: %w", w.bin, err)
	}
	if _, err := os.Stat(w.modelPath); err != nil {
		log.ModelCheck(w.Name(), w.model, w.Device(), err)
		return fmt.Errorf("whisper model: %w", err)
	}
	log.ModelCheck(w.Name(), w.model, w.Device(), nil)
	return nil
}

func (w *Whisper) args(wavPath, outBase, lang string) []string {
	if lang == "" {
		lang = "auto"
	}
	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", lang,
		"-nt", "-np",
		"-otxt", "-of", outBase,
	}
	if w.cpuOnly.Load() {
		args = append(args, "-ng")
	}
	return args
}

func (w *Whisper) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error) {
	base := w.segmentBase()
	wavPath := base + ".wav"
	txtPath := base + ".txt"
	if err := encoder.WriteWAV(wavPath, dsp.FloatToPCM16(samples), sampleRate); err != nil {
		return nil, err
	}
	os.Remove(txtPath)

	stdout, err := w.run(ctx, w.bin, w.args(wavPath, base, language))
	if err != nil && ctx.Err() == nil && !w.cpuOnly.Load() {
		w.cpuOnly.Store(true)
		log.ModelCheck(w.Name(), w.model, "cpu", err)
		log.Degraded("whisper", "accelerator failed, using cpu")
		stdout, err = w.run(ctx, w.bin, w.args(wavPath, base, language))
	}
	if err != nil {
		return nil, err
	}

	raw, readErr := os.ReadFile(txtPath)
	if readErr != nil {
		raw = stdout
	}
	return &Result{
		Text:     cleanWhisperText(string(raw)),
		Duration: durationSeconds(len(samples), sampleRate),
		Device:   w.Device(),
	}, nil
}

// cleanWhisperText joins output lines and drops the markers whisper.cpp
// emits for non-speech, such as [BLANK_AUDIO].
func cleanWhisperText(s string) string {
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isNonSpeechMarker(line) {
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

func isNonSpeechMarker(line string) bool {
	if len(line) < 3 {
		return false
	}
	first, last := line[0], line[len(line)-1]
	return (first == '[' && last == ']') || (first == '(' && last == ')')
}

// Close removes the temporary segment files.
func (w *Whisper) Close() error {
	base := w.segmentBase()
	var errs []error
	for _, p := range []string{base + ".wav", base + ".txt"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
