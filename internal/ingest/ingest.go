// Package ingest implements the chunk submission protocol: admission
// checks, idempotent persistence, and handoff to the transcription
// queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minutesd/minutesd/internal/blob"
	"github.com/minutesd/minutesd/internal/gate"
	"github.com/minutesd/minutesd/internal/session"
	"github.com/minutesd/minutesd/internal/store"
)

// ErrInvalidSubmission signals a malformed submission. Nothing was
// stored; the client must not retry the same payload.
var ErrInvalidSubmission = errors.New("invalid chunk submission")

// Submission is one incoming audio chunk.
type Submission struct {
	SessionID   string
	UserID      string
	Seq         int
	MIMEType    string
	DurationSec float64
	Data        io.Reader
	// ConnID identifies the submitting connection for backpressure
	// accounting.
	ConnID string
}

// Result acknowledges a submission. Duplicate means the (session, seq)
// pair was already stored; the client treats it as delivered.
type Result struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	ChunkID   string `json:"chunkId,omitempty"`
}

// Enqueue hands an admitted chunk to the transcription queue.
type Enqueue func(chunkID, sessionID string, seq int) error

// Service runs the submission protocol. The store's unique constraint
// is the only arbiter of duplicates; there is no separate lock.
type Service struct {
	store    *store.Store
	blobs    blob.Store
	gate     *gate.Gate
	sessions *session.Service
	enqueue  Enqueue
	log      *slog.Logger
}

func NewService(st *store.Store, blobs blob.Store, g *gate.Gate, sessions *session.Service, enqueue Enqueue, log *slog.Logger) *Service {
	return &Service{store: st, blobs: blobs, gate: g, sessions: sessions, enqueue: enqueue, log: log}
}

// Submit admits, stores, and enqueues one chunk. Flow-control
// rejections (gate errors) and ownership errors carry no side effects.
// A duplicate submission is acknowledged without touching the stored
// row or the blob.
func (s *Service) Submit(ctx context.Context, sub Submission) (Result, error) {
	if err := validate(sub); err != nil {
		return Result{}, err
	}

	release, err := s.gate.Admit(sub.ConnID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	sess, err := s.sessions.Get(sub.UserID, sub.SessionID)
	if err != nil {
		return Result{}, err
	}
	if err := s.sessions.AcceptsChunks(sess); err != nil {
		return Result{}, err
	}
	if err := s.gate.AllowChunk(sub.SessionID); err != nil {
		return Result{}, err
	}

	// Fast path: the pair already exists, acknowledge without work.
	if existing, err := s.store.GetChunk(sub.SessionID, sub.Seq); err == nil {
		return Result{Accepted: true, Duplicate: true, ChunkID: existing.ID}, nil
	} else if !errors.Is(err, store.ErrChunkNotFound) {
		return Result{}, fmt.Errorf("checking for existing chunk: %w", err)
	}

	key := blobKey(sub.SessionID, sub.Seq, sub.MIMEType)
	if err := s.blobs.Put(ctx, key, sub.Data); err != nil {
		return Result{}, fmt.Errorf("storing chunk audio: %w", err)
	}

	chunk := &store.Chunk{
		SessionID:   sub.SessionID,
		Seq:         sub.Seq,
		BlobKey:     key,
		DurationSec: sub.DurationSec,
	}
	if err := s.store.InsertChunk(chunk); err != nil {
		if errors.Is(err, store.ErrDuplicateChunk) {
			// Lost a race with a concurrent submission of the same
			// pair; the winner's row stands.
			existing, getErr := s.store.GetChunk(sub.SessionID, sub.Seq)
			if getErr != nil {
				return Result{}, fmt.Errorf("resolving duplicate chunk: %w", getErr)
			}
			return Result{Accepted: true, Duplicate: true, ChunkID: existing.ID}, nil
		}
		return Result{}, fmt.Errorf("inserting chunk: %w", err)
	}

	if err := s.enqueue(chunk.ID, chunk.SessionID, chunk.Seq); err != nil {
		// The row and blob are durable; a stuck queue surfaces via the
		// operator retry path, not data loss.
		s.log.Error("enqueue failed for stored chunk",
			"session", sub.SessionID, "seq", sub.Seq, "error", err)
	}

	s.log.Debug("chunk accepted", "session", sub.SessionID, "seq", sub.Seq, "chunk", chunk.ID)
	return Result{Accepted: true, ChunkID: chunk.ID}, nil
}

func validate(sub Submission) error {
	switch {
	case sub.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrInvalidSubmission)
	case sub.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidSubmission)
	case sub.Seq < 0:
		return fmt.Errorf("%w: negative sequence", ErrInvalidSubmission)
	case sub.Data == nil:
		return fmt.Errorf("%w: empty body", ErrInvalidSubmission)
	case sub.DurationSec < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalidSubmission)
	}
	return nil
}

// mimeExtensions maps accepted audio MIME types to blob extensions.
var mimeExtensions = map[string]string{
	"audio/webm":  "webm",
	"audio/ogg":   "ogg",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/wave":  "wav",
	"audio/mpeg":  "mp3",
	"audio/mp4":   "m4a",
	"audio/m4a":   "m4a",
	"audio/flac":  "flac",
}

func blobKey(sessionID string, seq int, mimeType string) string {
	ext, ok := mimeExtensions[mimeType]
	if !ok {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%d.%s", sessionID, seq, ext)
}
