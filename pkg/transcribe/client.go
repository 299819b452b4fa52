// Package transcribe provides an HTTP client for a Whisper-style
// speech-to-text endpoint accepting multipart audio uploads.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"
)

// Client calls the transcription service.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// New creates a transcription client. apiKey may be empty for unauthenticated
// local servers.
func New(endpoint, apiKey, model string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// Hints carries optional context forwarded to the model.
type Hints struct {
	Language string
	Prompt   string
	MimeType string
	Filename string
}

type transcribeResp struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe uploads audio bytes and returns the transcribed text. An empty
// result with nil error means the audio contained no recognisable speech.
func (c *Client) Transcribe(ctx context.Context, audio []byte, hints Hints) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := hints.Filename
	if name == "" {
		name = "chunk.webm"
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("transcribe: form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("transcribe: write audio: %w", err)
	}
	if c.model != "" {
		w.WriteField("model", c.model)
	}
	if hints.Language != "" {
		w.WriteField("language", hints.Language)
	}
	if hints.Prompt != "" {
		w.WriteField("prompt", hints.Prompt)
	}
	w.WriteField("response_format", "json")
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("transcribe: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("transcribe: status %d", resp.StatusCode)
	}

	var result transcribeResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("transcribe decode: %w", err)
	}
	return result.Text, nil
}
