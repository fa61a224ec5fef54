package transcriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrNoBackend = errors.New("no transcription backend configured")

type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}

type Result struct {
	Text         string
	Metrics      *NetworkMetrics // nil for local engines
	RateLimit    string
	Confidence   float64
	NoSpeechProb float64
	Duration     float64
	Device       string // accelerator used by local engines
}

// Transcriber turns one mono segment into text. Implementations must be
// safe to call from one goroutine at a time; the pipeline never overlaps
// calls.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error)
}

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Model      string
	WhisperBin string
	ModelsDir  string
	TempDir    string

	GroqAPIKey     string
	OpenAIAPIKey   string
	DeepgramAPIKey string
}

func New(opts Options) (Transcriber, error) {
	switch opts.Backend {
	case "", "whisper-cli":
		return NewWhisper(opts.WhisperBin, opts.ModelsDir, opts.Model, opts.TempDir), nil
	case "groq":
		if opts.GroqAPIKey == "" {
			return nil, fmt.Errorf("%w: set GROQ_API_KEY", ErrNoBackend)
		}
		return NewGroq(opts.GroqAPIKey), nil
	case "openai":
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: set OPENAI_API_KEY", ErrNoBackend)
		}
		return NewOpenAI(opts.OpenAIAPIKey), nil
	case "deepgram":
		if opts.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("%w: set DEEPGRAM_API_KEY", ErrNoBackend)
		}
		return NewDeepgram(opts.DeepgramAPIKey), nil
	case "fake":
		return NewFake("fake transcription"), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrNoBackend, opts.Backend)
}

// Closer is implemented by backends holding temporary files or processes.
type Closer interface {
	Close() error
}

// Checker is implemented by backends that can verify their model up front.
type Checker interface {
	Check(ctx context.Context) error
}
