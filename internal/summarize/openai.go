package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const systemPrompt = `You summarize meeting transcripts. Respond with a single JSON object and nothing else, using exactly these keys:
{
  "executiveSummary": "one paragraph overview",
  "keyPoints": ["..."],
  "actionItems": ["..."],
  "decisions": ["..."],
  "keyTimestamps": [{"timestamp": "mm:ss", "description": "..."}]
}
Arrays may be empty. Do not invent content that is not supported by the transcript.`

// ChatBackend calls an OpenAI-compatible chat.completions endpoint and
// enforces the Summary contract on the reply.
type ChatBackend struct {
	BaseURL string
	APIKey  string
	Model   string

	Client *http.Client
	Log    *slog.Logger
}

// NewChatBackend returns a Summarizer against baseURL (without the
// /chat/completions suffix).
func NewChatBackend(baseURL, apiKey, model string, log *slog.Logger) *ChatBackend {
	return &ChatBackend{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Log:     log,
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	Temperature    float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize sends the transcript for summarization. Transport and API
// errors are returned for the caller to retry; a reply that fails the
// JSON contract is logged and degraded, never an error.
func (c *ChatBackend) Summarize(ctx context.Context, transcript string) (*Summary, error) {
	payload := chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: transcript},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("summarization http %d: %s", resp.StatusCode, string(b))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	s, err := Parse([]byte(cr.Choices[0].Message.Content))
	if err != nil {
		if c.Log != nil {
			c.Log.Warn("summary failed contract, degrading", "error", err)
		}
		return Degrade(transcript), nil
	}
	return s, nil
}
