package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ChatClient generates text via Ollama's /api/chat endpoint.
type ChatClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewChatClient creates an Ollama chat client.
func NewChatClient(baseURL, model string) *ChatClient {
	return &ChatClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{},
	}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (c *ChatClient) post(ctx context.Context, reqBody ollamaChatReq) (*http.Response, error) {
	body, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp.StatusCode != 200 {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama chat: status %d", resp.StatusCode)
	}
	return resp, nil
}

// Stream sends the messages and invokes onFragment for each incremental
// content fragment, in arrival order, until the model signals done. An error
// from onFragment aborts the stream and is returned unchanged, so callers can
// detect a disconnected client.
func (c *ChatClient) Stream(ctx context.Context, msgs []Message, temperature float32, onFragment func(string) error) error {
	resp, err := c.post(ctx, ollamaChatReq{
		Model:    c.model,
		Messages: msgs,
		Stream:   true,
		Options:  map[string]any{"temperature": temperature},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Message.Content != "" {
			if err := onFragment(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("ollama chat stream: %w", err)
	}
	return nil
}

// Complete sends the messages without streaming and returns the full reply.
func (c *ChatClient) Complete(ctx context.Context, msgs []Message, temperature float32) (string, error) {
	resp, err := c.post(ctx, ollamaChatReq{
		Model:    c.model,
		Messages: msgs,
		Stream:   false,
		Options:  map[string]any{"temperature": temperature},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chunk ollamaChatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", fmt.Errorf("ollama chat decode: %w", err)
	}
	return strings.TrimSpace(chunk.Message.Content), nil
}
