package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
)

const groqModel = "whisper-large-v3-turbo"

var (
	openAIRemaining = []string{"x-ratelimit-remaining-requests"}
	openAILimit     = []string{"x-ratelimit-limit-requests"}
)

// Groq sends segments to Groq's hosted Whisper.
type Groq struct {
	uploader
	apiKey string
	model  string
}

func NewGroq(apiKey string) *Groq {
	apiURL := "https://api.groq.com/openai/v1/audio/transcriptions"
	return &Groq{
		uploader: uploader{client: NewTracedClient(apiURL), apiURL: apiURL},
		apiKey:   apiKey,
		model:    groqModel,
	}
}

func (g *Groq) Name() string { return "groq" }

func (g *Groq) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error) {
	return g.transcribe(ctx, g.Name(), samples, sampleRate, language, g.send)
}

// verbose_json carries per-segment no-speech probabilities, which the
// plain json format drops.
type groqResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (g *Groq) send(ctx context.Context, audio []byte, format, lang string) (*Result, error) {
	resp, err := g.postForm(ctx, g.Name(), g.apiKey, audio, format, [][2]string{
		{"model", g.model},
		{"response_format", "verbose_json"},
		{"language", lang},
	})
	if err != nil {
		return nil, err
	}

	var body groqResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("groq: parse response: %w", err)
	}
	var noSpeech float64
	for _, s := range body.Segments {
		noSpeech = max(noSpeech, s.NoSpeechProb)
	}
	return &Result{
		Text:         body.Text,
		Metrics:      resp.Metrics,
		RateLimit:    rateLimit(resp.Header, openAIRemaining, openAILimit),
		NoSpeechProb: noSpeech,
		Duration:     body.Duration,
	}, nil
}
