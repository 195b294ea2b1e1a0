// Package transcribe defines the speech-to-text contract and an
// OpenAI-compatible HTTP backend.
package transcribe

import (
	"context"
	"time"
)

// Result is one chunk's transcription. Speaker and Confidence are
// optional; backends that cannot attribute speakers leave them zero.
type Result struct {
	Text       string
	Speaker    string
	Confidence float64
}

// Options tunes a single transcription call.
type Options struct {
	// Language hint, BCP 47 (e.g. "en"). Empty lets the model detect.
	Language string
	// Timeout bounds the call; zero means the backend default.
	Timeout time.Duration
}

// Transcriber converts a WAV file to text. The contextText parameter
// carries the tail of the preceding transcript so the model keeps
// terminology and sentence flow consistent across chunk boundaries.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath, contextText string, opts Options) (Result, error)
}

// DefaultTimeout bounds a transcription call when Options.Timeout is
// unset. Chunks are short; a call running longer than this is stuck.
const DefaultTimeout = 2 * time.Minute
