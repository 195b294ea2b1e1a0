package api

import "time"

// Version is set at build time or defaults to dev.
var Version = "0.1.0-dev"

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the envelope for all error replies.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// StartSessionRequest begins a recording session. ID is optional; a
// client that supplies one must keep it globally unique.
type StartSessionRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
}

// SessionResponse is the wire shape of a session.
type SessionResponse struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Transcript *string    `json:"transcript,omitempty"`
	Summary    *string    `json:"summary,omitempty"`
}

// TranscriptResponse carries the aggregated transcript.
type TranscriptResponse struct {
	SessionID  string `json:"sessionId"`
	Status     string `json:"status"`
	Transcript string `json:"transcript"`
}

// SummaryResponse carries the structured summary as raw JSON.
type SummaryResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Summary   any    `json:"summary"`
}

// ChunkRejection tells the client why a chunk was not accepted, with
// the machine-readable reason labels the metrics use.
type ChunkRejection struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
	Error    string `json:"error"`
}

// QueueStatsResponse is a snapshot of the transcription queue.
type QueueStatsResponse struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"inFlight"`
	Completed int `json:"completed"`
	Dead      int `json:"dead"`
}

// RetryResponse acknowledges a bulk dead-job retry.
type RetryResponse struct {
	Requeued int `json:"requeued"`
}
