package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
)

type OpenAI struct {
	uploader
	apiKey string
}

func NewOpenAI(apiKey string) *OpenAI {
	apiURL := "https://api.openai.com/v1/audio/transcriptions"
	return &OpenAI{
		uploader: uploader{client: NewTracedClient(apiURL), apiURL: apiURL},
		apiKey:   apiKey,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error) {
	return o.transcribe(ctx, o.Name(), samples, sampleRate, language, o.send)
}

func (o *OpenAI) send(ctx context.Context, audio []byte, format, lang string) (*Result, error) {
	resp, err := o.postForm(ctx, o.Name(), o.apiKey, audio, format, [][2]string{
		{"model", "gpt-4o-transcribe"},
		{"response_format", "json"},
		{"language", lang},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("openai: parse response: %w", err)
	}
	return &Result{
		Text:      body.Text,
		Metrics:   resp.Metrics,
		RateLimit: rateLimit(resp.Header, openAIRemaining, openAILimit),
	}, nil
}
