// Package store persists sessions and chunks in SQLite.
package store

import "time"

// SessionStatus is the lifecycle state of a recording session.
type SessionStatus string

const (
	SessionRecording  SessionStatus = "recording"
	SessionPaused     SessionStatus = "paused"
	SessionStopped    SessionStatus = "stopped"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Session is one continuous (possibly paused) recording owned by a user.
type Session struct {
	ID         string
	UserID     string
	Title      string
	Status     SessionStatus
	StartedAt  time.Time
	EndedAt    *time.Time
	Transcript *string
	Summary    *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChunkStatus is the processing state of a single audio chunk.
type ChunkStatus string

const (
	ChunkUploaded    ChunkStatus = "uploaded"
	ChunkProcessing  ChunkStatus = "processing"
	ChunkTranscribed ChunkStatus = "transcribed"
	ChunkFailed      ChunkStatus = "failed"
)

// Chunk is one bounded-duration slice of a session's audio, identified by
// (SessionID, Seq). Seq is assigned by the client and is the only ordering
// authority; arrival order is unreliable.
type Chunk struct {
	ID          string
	SessionID   string
	Seq         int
	BlobKey     string
	DurationSec float64
	Text        *string
	Speaker     *string
	Confidence  *float64
	Status      ChunkStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChunkCounts summarizes a session's chunks by status.
type ChunkCounts struct {
	Total       int
	Uploaded    int
	Processing  int
	Transcribed int
	Failed      int
}

// Pending is the number of chunks not yet resolved to transcribed or failed.
func (c ChunkCounts) Pending() int {
	return c.Uploaded + c.Processing
}
