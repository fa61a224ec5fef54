package transcriber

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"livescribe/dsp"
	"livescribe/encoder"
	"livescribe/log"
)

// APIError is a non-200 reply from a hosted engine.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// RateLimited reports whether the engine asked us to slow down.
func (e *APIError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }

type sendFunc func(ctx context.Context, audio []byte, format, lang string) (*Result, error)

// uploader is the common path of the HTTP providers: encode the segment as
// FLAC, send it, record network metrics.
type uploader struct {
	client *TracedClient
	apiURL string
	warmed bool
}

func (u *uploader) transcribe(ctx context.Context, name string, samples []float32, sampleRate int, lang string, send sendFunc) (*Result, error) {
	if !u.warmed {
		u.warmed = true
		go u.client.Warm()
	}

	pcm := dsp.FloatToPCM16(samples)
	enc, err := encoder.NewFlac(sampleRate)
	if err != nil {
		return nil, err
	}
	data, err := encoder.Encode(enc, pcm)
	if err != nil {
		return nil, fmt.Errorf("%s: encode: %w", name, err)
	}

	result, err := send(ctx, data, "flac", lang)
	if err != nil {
		return nil, err
	}

	if m := result.Metrics; m != nil {
		log.TranscriptionMetrics(log.Metrics{
			AudioLengthS:     float64(len(samples)) / float64(sampleRate),
			RawSizeKB:        float64(len(pcm)*2) / 1024,
			CompressedSizeKB: float64(len(data)) / 1024,
			EncodeTimeMs:     ms(enc.EncodeTime()),
			DNSTimeMs:        ms(m.DNS),
			TLSTimeMs:        ms(m.TLS),
			TTFBMs:           ms(m.TTFB),
			TotalTimeMs:      ms(m.Total),
		}, name, "flac", m.ConnReused, m.TLSProtocol)
	}
	return result, nil
}

// do sends req with the bearer key and turns any non-200 status into an
// *APIError.
func (u *uploader) do(provider string, req *http.Request) (*TracedResponse, error) {
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: provider, Status: resp.StatusCode, Body: string(bytes.TrimSpace(resp.Body))}
	}
	return resp, nil
}

// postForm uploads audio to an OpenAI-style /audio/transcriptions endpoint.
// fields are written in order after the file part.
func (u *uploader) postForm(ctx context.Context, provider, apiKey string, audio []byte, format string, fields [][2]string) (*TracedResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "segment."+format)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.apiURL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return u.do(provider, req)
}

// rateLimit formats "remaining/limit" from the first header present in each
// list.
func rateLimit(h http.Header, remaining, limit []string) string {
	return firstNonEmpty(h, remaining...) + "/" + firstNonEmpty(h, limit...)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
