package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const deepgramAPIURL = "https://api.deepgram.com/v1/listen"

var (
	deepgramRemaining = []string{"x-dg-ratelimit-remaining", "x-ratelimit-remaining", "ratelimit-remaining"}
	deepgramLimit     = []string{"x-dg-ratelimit-limit", "x-ratelimit-limit", "ratelimit-limit"}
)

type Deepgram struct {
	uploader
	apiKey string
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{
		uploader: uploader{
			client: NewTracedClient("https://api.deepgram.com"),
			apiURL: deepgramAPIURL,
		},
		apiKey: apiKey,
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (*Result, error) {
	return d.transcribe(ctx, d.Name(), samples, sampleRate, language, d.send)
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) endpoint(lang string) string {
	q := url.Values{}
	q.Set("model", "nova-3")
	q.Set("smart_format", "true")
	if lang != "" {
		q.Set("language", lang)
	} else {
		q.Set("detect_language", "true")
	}
	return d.apiURL + "?" + q.Encode()
}

func (d *Deepgram) send(ctx context.Context, audio []byte, format, lang string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(lang), bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/"+format)

	resp, err := d.do(d.Name(), req)
	if err != nil {
		return nil, err
	}
	var body deepgramResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("deepgram: parse response: %w", err)
	}

	res := &Result{
		Metrics:   resp.Metrics,
		Duration:  body.Metadata.Duration,
		RateLimit: rateLimit(resp.Header, deepgramRemaining, deepgramLimit),
	}
	if ch := body.Results.Channels; len(ch) > 0 && len(ch[0].Alternatives) > 0 {
		res.Text = ch[0].Alternatives[0].Transcript
		res.Confidence = ch[0].Alternatives[0].Confidence
	}
	return res, nil
}
