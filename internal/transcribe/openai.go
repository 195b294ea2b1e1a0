package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// OpenAIBackend calls an OpenAI-compatible audio.transcriptions
// endpoint. BaseURL may point at api.openai.com or any server speaking
// the same multipart protocol.
type OpenAIBackend struct {
	BaseURL string
	APIKey  string
	Model   string

	// Client may be replaced in tests; nil uses http.DefaultClient.
	Client *http.Client
}

// NewOpenAIBackend returns a Transcriber against baseURL (without the
// /audio/transcriptions suffix).
func NewOpenAIBackend(baseURL, apiKey, model string) *OpenAIBackend {
	return &OpenAIBackend{BaseURL: strings.TrimSuffix(baseURL, "/"), APIKey: apiKey, Model: model}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads the WAV as multipart form data. contextText is
// passed as the prompt field, which the API uses for continuity.
func (o *OpenAIBackend) Transcribe(ctx context.Context, wavPath, contextText string, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := os.Open(wavPath)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", o.Model); err != nil {
		return Result{}, err
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return Result{}, err
	}
	if contextText != "" {
		if err := mw.WriteField("prompt", contextText); err != nil {
			return Result{}, err
		}
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return Result{}, err
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(wavPath))
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+o.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("transcription http %d: %s", resp.StatusCode, string(b))
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Result{}, fmt.Errorf("decoding transcription response: %w", err)
	}
	// The endpoint gives no speaker attribution or confidence; the
	// diarization pass fills speakers in later.
	return Result{Text: tr.Text}, nil
}
