// Package whisper is the transcription collaborator: an HTTP client for an
// OpenAI-compatible /audio/transcriptions endpoint and a degraded mock used
// when no endpoint is configured.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

// DefaultConfidence is used when the response carries no word probabilities.
const DefaultConfidence = 0.8

type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

type Segment struct {
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
}

type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Words    []Word    `json:"words"`
	Segments []Segment `json:"segments"`
}

// Confidence is the mean word probability. Words without a probability count
// as DefaultConfidence.
func (r *Result) Confidence() float64 {
	if len(r.Words) == 0 {
		return DefaultConfidence
	}
	var sum float64
	for _, w := range r.Words {
		p := w.Probability
		if p <= 0 {
			p = DefaultConfidence
		}
		sum += p
	}
	c := sum / float64(len(r.Words))
	if c > 1 {
		c = 1
	}
	return c
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (*Result, error)
}

// Client calls an OpenAI-compatible transcription API.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		HTTP:    &http.Client{Timeout: 3 * time.Minute},
	}
}

func (c *Client) Transcribe(ctx context.Context, audio []byte, language string) (*Result, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio: %w", apperr.ErrValidation)
	}
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	fields := [][2]string{
		{"model", c.Model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "word"},
		{"timestamp_granularities[]", "segment"},
	}
	if language != "" {
		fields = append(fields, [2]string{"language", language})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/audio/transcriptions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling transcription API: %w: %w", apperr.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("reading transcription response: %w: %w", apperr.ErrTransientIO, err)
	}
	if err := statusError("transcription", resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, fmt.Errorf("parsing transcription response: %w", err)
	}
	return &res, nil
}

// statusError maps an HTTP status to the error taxonomy: 429 and 5xx are
// transient, other 4xx keep their code in the message so Classify treats
// them as fatal.
func statusError(api string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return fmt.Errorf("%s API error (HTTP %d): %w: %s", api, code, apperr.ErrTransientIO, snippet)
	}
	return fmt.Errorf("%s API error (HTTP %d): %s", api, code, snippet)
}

// Mock treats UTF-8 audio payloads as already-spoken text and anything else
// as an opaque placeholder. It never fails.
type Mock struct{}

func (Mock) Transcribe(ctx context.Context, audio []byte, language string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := fmt.Sprintf("[%d bytes of audio]", len(audio))
	if utf8.Valid(audio) && len(bytes.TrimSpace(audio)) > 0 {
		text = strings.TrimSpace(string(audio))
	}
	res := &Result{Text: text, Language: language}
	for i, f := range strings.Fields(text) {
		res.Words = append(res.Words, Word{Word: f, Start: float64(i) * 0.4, End: float64(i+1) * 0.4, Probability: 0.9})
	}
	return res, nil
}
