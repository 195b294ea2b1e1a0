// Package pipeline drives one admitted chunk from stored raw audio to
// transcribed text. Workers run under the queue's concurrency bound;
// a returned error means the queue retries the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/minutesd/minutesd/internal/blob"
	"github.com/minutesd/minutesd/internal/notify"
	"github.com/minutesd/minutesd/internal/store"
	"github.com/minutesd/minutesd/internal/transcode"
	"github.com/minutesd/minutesd/internal/transcribe"
)

// NoSpeechPlaceholder is recorded for chunks whose audio contains no
// recognizable speech. Silence is legitimate, not a failure.
const NoSpeechPlaceholder = "[no speech detected]"

const (
	defaultContextChunks = 3
	defaultContextWords  = 50
)

// ChunkJob is the queue payload referencing one stored chunk.
type ChunkJob struct {
	ChunkID   string
	SessionID string
	Seq       int
}

// Worker processes chunk jobs: fetch raw audio, convert, transcribe
// with continuity context, persist the text, notify subscribers.
type Worker struct {
	store       *store.Store
	blobs       blob.Store
	converter   transcode.Converter
	transcriber transcribe.Transcriber
	notifier    notify.Publisher
	log         *slog.Logger

	tmpDir        string
	contextChunks int
	contextWords  int
	transcribeOpt transcribe.Options

	// onSettled fires when a stopped session's last pending chunk
	// resolves, so finalization starts without waiting for a poll.
	onSettled func(sessionID string)
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithTmpDir sets the scratch directory for downloaded raw audio.
func WithTmpDir(dir string) WorkerOption {
	return func(w *Worker) { w.tmpDir = dir }
}

// WithContinuity overrides the continuity-context sizing.
func WithContinuity(chunks, words int) WorkerOption {
	return func(w *Worker) {
		w.contextChunks = chunks
		w.contextWords = words
	}
}

// WithTranscribeOptions sets per-call transcription options.
func WithTranscribeOptions(opts transcribe.Options) WorkerOption {
	return func(w *Worker) { w.transcribeOpt = opts }
}

// WithSettledHook registers the early-finalization trigger.
func WithSettledHook(f func(sessionID string)) WorkerOption {
	return func(w *Worker) { w.onSettled = f }
}

func NewWorker(st *store.Store, blobs blob.Store, conv transcode.Converter, tr transcribe.Transcriber, notifier notify.Publisher, log *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:         st,
		blobs:         blobs,
		converter:     conv,
		transcriber:   tr,
		notifier:      notifier,
		log:           log,
		contextChunks: defaultContextChunks,
		contextWords:  defaultContextWords,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process handles one job. Errors are retryable; the queue's dead-path
// hook marks the chunk failed once attempts run out.
func (w *Worker) Process(ctx context.Context, job ChunkJob) error {
	chunk, err := w.store.GetChunkByID(job.ChunkID)
	if err != nil {
		if errors.Is(err, store.ErrChunkNotFound) {
			w.log.Warn("job references missing chunk", "chunk", job.ChunkID)
			return nil
		}
		return fmt.Errorf("loading chunk: %w", err)
	}
	if chunk.Status == store.ChunkTranscribed {
		// Requeued duplicate of an already finished job.
		return nil
	}

	if err := w.store.MarkChunkProcessing(chunk.ID); err != nil {
		return fmt.Errorf("marking chunk processing: %w", err)
	}

	rawPath, err := w.download(ctx, chunk)
	if err != nil {
		return err
	}
	defer os.Remove(rawPath)

	wavPath, duration, err := w.converter.Convert(ctx, rawPath)
	if err != nil {
		return fmt.Errorf("converting chunk %s/%d: %w", chunk.SessionID, chunk.Seq, err)
	}
	defer os.Remove(wavPath)

	contextText, err := w.continuityContext(chunk.SessionID, chunk.Seq)
	if err != nil {
		// Context is best-effort; transcribe without it.
		w.log.Warn("continuity context unavailable", "session", chunk.SessionID, "error", err)
		contextText = ""
	}

	res, err := w.transcriber.Transcribe(ctx, wavPath, contextText, w.transcribeOpt)
	if err != nil {
		return fmt.Errorf("transcribing chunk %s/%d: %w", chunk.SessionID, chunk.Seq, err)
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = NoSpeechPlaceholder
	}
	if err := w.store.MarkChunkTranscribed(chunk.ID, text, res.Speaker, res.Confidence, duration); err != nil {
		return fmt.Errorf("recording transcription: %w", err)
	}

	w.notifier.Publish(notify.NewEvent(notify.EventChunkTranscribed, chunk.SessionID,
		notify.ChunkTranscribedData(chunk.ID, chunk.Seq, text, res.Speaker)))

	w.log.Debug("chunk transcribed", "session", chunk.SessionID, "seq", chunk.Seq, "words", len(strings.Fields(text)))

	w.checkSettled(chunk.SessionID)
	return nil
}

// download copies the chunk's raw audio to a scratch file for ffmpeg.
func (w *Worker) download(ctx context.Context, chunk *store.Chunk) (string, error) {
	rc, err := w.blobs.Get(ctx, chunk.BlobKey)
	if err != nil {
		return "", fmt.Errorf("fetching chunk audio %s: %w", chunk.BlobKey, err)
	}
	defer rc.Close()

	dir := w.tmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "chunk-*"+filepath.Ext(chunk.BlobKey))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("copying chunk audio: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// continuityContext returns the tail of the transcript preceding seq,
// bounded by contextChunks chunks and contextWords words, so the model
// keeps terminology consistent across chunk boundaries.
func (w *Worker) continuityContext(sessionID string, seq int) (string, error) {
	chunks, err := w.store.ChunksForSession(sessionID)
	if err != nil {
		return "", err
	}

	var texts []string
	for _, c := range chunks {
		if c.Seq >= seq || c.Status != store.ChunkTranscribed || c.Text == nil || *c.Text == NoSpeechPlaceholder {
			continue
		}
		texts = append(texts, *c.Text)
	}
	if len(texts) > w.contextChunks {
		texts = texts[len(texts)-w.contextChunks:]
	}

	words := strings.Fields(strings.Join(texts, " "))
	if len(words) > w.contextWords {
		words = words[len(words)-w.contextWords:]
	}
	return strings.Join(words, " "), nil
}

// checkSettled triggers early finalization when a stopped session has
// no chunks left in flight.
func (w *Worker) checkSettled(sessionID string) {
	if w.onSettled == nil {
		return
	}
	sess, err := w.store.GetSession(sessionID)
	if err != nil || sess.Status != store.SessionStopped {
		return
	}
	counts, err := w.store.CountChunks(sessionID)
	if err != nil || counts.Pending() > 0 {
		return
	}
	w.onSettled(sessionID)
}
