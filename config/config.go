package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultSegment           = 10 * time.Second
	DefaultModel             = "small"
	DefaultLanguage          = "en"
	DefaultBackend           = "whisper-cli"
	DefaultTranscribeTimeout = 2 * time.Minute
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultSilenceThreshold  = 0.001
)

var Backends = []string{"whisper-cli", "groq", "openai", "deepgram", "fake"}

// Config holds everything a run needs.
type Config struct {
	OutDir    string
	LogPath   string
	MicDevice string
	NoMic     bool
	MicGain   int

	Segment           time.Duration
	PollInterval      time.Duration
	SilenceThreshold  float64
	SilenceWarnAfter  int
	Model             string
	Language          string
	Backend           string
	WhisperBin        string
	ModelsDir         string
	TranscribeTimeout time.Duration

	GroqAPIKey     string
	OpenAIAPIKey   string
	DeepgramAPIKey string

	Setup       bool
	ListDevices bool
	Doctor      bool
	TUI         bool
	TestWAV     string
	Version     bool
}

func defaults() *Config {
	return &Config{
		OutDir:            ".",
		Segment:           DefaultSegment,
		PollInterval:      DefaultPollInterval,
		SilenceThreshold:  DefaultSilenceThreshold,
		SilenceWarnAfter:  6,
		Model:             DefaultModel,
		Language:          DefaultLanguage,
		Backend:           DefaultBackend,
		WhisperBin:        "whisper-cli",
		TranscribeTimeout: DefaultTranscribeTimeout,
		MicGain:           1,
		TUI:               true,
	}
}

// Load builds the configuration from defaults, a .env file in the working
// directory, LIVESCRIBE_* environment variables and finally args.
func Load(args []string) (*Config, error) {
	cfg := defaults()

	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if err := cfg.fromEnv(); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("livescribe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.bind(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stderr)
			fs.Usage()
		}
		return nil, err
	}
	if fs.NArg() > 0 && cfg.TestWAV == "" {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.OutDir, "out", c.OutDir, "Directory for transcription_live.txt and transcription_latest.txt")
	fs.StringVar(&c.LogPath, "logpath", c.LogPath, "Log directory path (default: OS-specific location)")
	fs.StringVar(&c.MicDevice, "mic-device", c.MicDevice, "Microphone device id (see -list-devices)")
	fs.BoolVar(&c.NoMic, "no-mic", c.NoMic, "Capture loopback only")
	fs.IntVar(&c.MicGain, "mic-gain", c.MicGain, "Integer gain applied to microphone samples")
	fs.Var(secondsFlag{&c.Segment}, "segment", "Segment duration (15 or 15s)")
	fs.Float64Var(&c.SilenceThreshold, "silence", c.SilenceThreshold, "RMS below which a segment is skipped")
	fs.StringVar(&c.Model, "model", c.Model, "Model size (tiny, base, small, medium, large-v3)")
	fs.StringVar(&c.Language, "language", c.Language, "Language code, empty for auto-detect")
	fs.StringVar(&c.Backend, "backend", c.Backend, "Transcription backend: whisper-cli, groq, openai, deepgram")
	fs.StringVar(&c.WhisperBin, "whisper-bin", c.WhisperBin, "Path to the whisper.cpp CLI binary")
	fs.StringVar(&c.ModelsDir, "models-dir", c.ModelsDir, "Directory holding ggml-<model>.bin files")
	fs.Var(secondsFlag{&c.TranscribeTimeout}, "transcribe-timeout", "Per-segment transcription timeout")
	fs.BoolVar(&c.Setup, "setup", c.Setup, "Pick the microphone interactively")
	fs.BoolVar(&c.ListDevices, "list-devices", c.ListDevices, "List audio devices and exit")
	fs.BoolVar(&c.Doctor, "doctor", c.Doctor, "Run diagnostics and exit")
	fs.BoolVar(&c.TUI, "tui", c.TUI, "Run with terminal UI")
	fs.StringVar(&c.TestWAV, "test", c.TestWAV, "Use a WAV file as the loopback source (headless)")
	fs.BoolVar(&c.Version, "version", c.Version, "Print version and exit")
}

func (c *Config) fromEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("LIVESCRIBE_OUT", &c.OutDir)
	str("LIVESCRIBE_MIC_DEVICE", &c.MicDevice)
	str("LIVESCRIBE_MODEL", &c.Model)
	str("LIVESCRIBE_BACKEND", &c.Backend)
	str("LIVESCRIBE_WHISPER_BIN", &c.WhisperBin)
	str("LIVESCRIBE_MODELS_DIR", &c.ModelsDir)
	str("GROQ_API_KEY", &c.GroqAPIKey)
	str("OPENAI_API_KEY", &c.OpenAIAPIKey)
	str("DEEPGRAM_API_KEY", &c.DeepgramAPIKey)
	// An explicitly empty language means auto-detect.
	if v, ok := os.LookupEnv("LIVESCRIBE_LANGUAGE"); ok {
		c.Language = v
	}

	if v := os.Getenv("LIVESCRIBE_SEGMENT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid LIVESCRIBE_SEGMENT: %w", err)
		}
		c.Segment = d
	}
	if v := os.Getenv("LIVESCRIBE_NO_MIC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LIVESCRIBE_NO_MIC: %w", err)
		}
		c.NoMic = b
	}
	if v := os.Getenv("LIVESCRIBE_TRANSCRIBE_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("invalid LIVESCRIBE_TRANSCRIBE_TIMEOUT: %w", err)
		}
		c.TranscribeTimeout = d
	}
	return nil
}

// parseSeconds accepts a Go duration or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// secondsFlag is a duration flag that also takes bare seconds.
type secondsFlag struct{ d *time.Duration }

func (f secondsFlag) String() string {
	if f.d == nil {
		return ""
	}
	return f.d.String()
}

func (f secondsFlag) Set(v string) error {
	d, err := parseSeconds(v)
	if err != nil {
		return err
	}
	*f.d = d
	return nil
}

func (c *Config) Validate() error {
	if c.Segment <= 0 {
		return fmt.Errorf("segment duration must be positive, got %s", c.Segment)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.TranscribeTimeout <= 0 {
		return fmt.Errorf("transcribe timeout must be positive, got %s", c.TranscribeTimeout)
	}
	if c.SilenceThreshold < 0 {
		return fmt.Errorf("silence threshold must not be negative, got %g", c.SilenceThreshold)
	}
	if c.MicGain < 1 {
		c.MicGain = 1
	}
	for _, b := range Backends {
		if c.Backend == b {
			return nil
		}
	}
	return fmt.Errorf("unknown backend %q (use whisper-cli, groq, openai or deepgram)", c.Backend)
}
