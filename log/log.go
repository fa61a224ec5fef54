package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const TelemetryFile = "telemetry_log.txt"

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

// Metrics describes one HTTP transcription round trip.
type Metrics struct {
	AudioLengthS     float64
	RawSizeKB        float64
	CompressedSizeKB float64
	EncodeTimeMs     float64
	DNSTimeMs        float64
	TLSTimeMs        float64
	TTFBMs           float64
	TotalTimeMs      float64
}

// Segment describes one pass of the pipeline over a segment.
type Segment struct {
	Index        int
	AudioS       float64
	LoopbackRMS  float64
	MicRMS       float64
	MixedRMS     float64
	HasMic       bool
	Outcome      string // "written", "silence", "no_speech", "duplicate", "error"
	ConditionMs  float64
	TranscribeMs float64
	Words        int
	Dropped      uint64
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absolute(flagPath)
	}

	// Priority 2: LIVESCRIBE_LOG_PATH environment variable
	if envPath := os.Getenv("LIVESCRIBE_LOG_PATH"); envPath != "" {
		return absolute(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	diagFile, err = os.OpenFile(filepath.Join(dir, TelemetryFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady = false
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(backend, model, language string, segment time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("backend", backend).
		Str("model", model).
		Str("language", language).
		Dur("segment", segment).
		Msg("session_start")
}

func SessionEnd(written, skipped int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("written", written).
		Int("skipped", skipped).
		Msg("session_end")
}

func DeviceResolved(role, name, id string, channels, sampleRate int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("role", role).
		Str("name", name).
		Str("id", id).
		Int("channels", channels).
		Int("rate", sampleRate).
		Msg("device")
}

// ModelCheck records which model and accelerator the engine ended up on.
func ModelCheck(backend, model, device string, err error) {
	if !logReady {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Err(err)
	}
	ev.Str("backend", backend).
		Str("model", model).
		Str("device", device).
		Msg("model_check")
}

// Degraded records a fallback that keeps the pipeline running.
func Degraded(component, reason string) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Str("component", component).
		Str("reason", reason).
		Msg("degraded")
}

func SegmentMetrics(s Segment) {
	if !logReady {
		return
	}
	ev := diagLog.Info().
		Int("index", s.Index).
		Str("outcome", s.Outcome).
		Float64("audio_s", s.AudioS).
		Float64("loopback_rms", s.LoopbackRMS)
	if s.HasMic {
		ev = ev.Float64("mic_rms", s.MicRMS)
	}
	if s.Dropped > 0 {
		ev = ev.Uint64("dropped_bytes", s.Dropped)
	}
	ev.Float64("mixed_rms", s.MixedRMS).
		Float64("condition_ms", s.ConditionMs).
		Float64("transcribe_ms", s.TranscribeMs).
		Int("words", s.Words).
		Msg("segment")
}

func TranscriptionMetrics(m Metrics, provider, format string, connReused bool, tlsProto string) {
	if !logReady {
		return
	}

	connStatus := "new"
	if connReused {
		connStatus = "reused"
	}

	ev := diagLog.Info().
		Str("provider", provider).
		Str("format", format).
		Str("conn", connStatus)
	if tlsProto != "" {
		ev = ev.Str("tls_proto", tlsProto)
	}
	ev.Float64("audio_s", m.AudioLengthS).
		Float64("raw_kb", m.RawSizeKB).
		Float64("compressed_kb", m.CompressedSizeKB).
		Float64("encode_ms", m.EncodeTimeMs).
		Float64("dns_ms", m.DNSTimeMs).
		Float64("tls_ms", m.TLSTimeMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalTimeMs).
		Msg("transcription")
}
