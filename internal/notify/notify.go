// Package notify delivers best-effort events to session subscribers.
// Delivery is fire and forget: a slow or absent subscriber never
// blocks the pipeline, and dropped events are not an error.
package notify

import "time"

// EventType identifies the kind of session event.
type EventType string

const (
	EventChunkTranscribed EventType = "chunk_transcribed"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
)

// Event is a single notification on a session's stream.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(t EventType, sessionID string, data map[string]any) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Type:      t,
		SessionID: sessionID,
		Data:      data,
	}
}

// ChunkTranscribedData returns event data for a transcribed chunk.
func ChunkTranscribedData(chunkID string, seq int, text, speaker string) map[string]any {
	return map[string]any{
		"chunk_id": chunkID,
		"seq":      seq,
		"text":     text,
		"speaker":  speaker,
	}
}

// SessionCompletedData returns event data for a completed session.
func SessionCompletedData(transcriptLength int, summary any) map[string]any {
	return map[string]any{
		"transcript_length": transcriptLength,
		"summary":           summary,
	}
}

// SessionFailedData returns event data for a failed session.
func SessionFailedData(reason string) map[string]any {
	return map[string]any{
		"reason": reason,
	}
}

// Publisher is the side the pipeline sees.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
