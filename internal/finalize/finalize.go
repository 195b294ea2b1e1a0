// Package finalize turns a stopped session into its terminal state:
// wait for in-flight chunks, aggregate the transcript, refine
// speakers, generate the summary, and archive the result.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/minutesd/minutesd/internal/aggregate"
	"github.com/minutesd/minutesd/internal/archive"
	"github.com/minutesd/minutesd/internal/diarize"
	"github.com/minutesd/minutesd/internal/notify"
	"github.com/minutesd/minutesd/internal/store"
	"github.com/minutesd/minutesd/internal/summarize"
)

// Config bounds the finalization steps.
type Config struct {
	// PollInterval is the delay between pending-chunk checks.
	PollInterval time.Duration
	// MaxPolls caps the pending wait; past it, stuck chunks are failed
	// and finalization proceeds with what transcribed.
	MaxPolls int
	// DiarizeMinChunks is the chunk count below which speaker
	// refinement is skipped as not worth the pass.
	DiarizeMinChunks int
	// SummaryAttempts bounds summary generation tries.
	SummaryAttempts int
	// SummaryBaseDelay seeds the summary retry backoff.
	SummaryBaseDelay time.Duration
	// SummaryMaxDelay caps the summary retry backoff.
	SummaryMaxDelay time.Duration
}

// DefaultConfig returns the production finalization bounds.
func DefaultConfig() Config {
	return Config{
		PollInterval:     2 * time.Second,
		MaxPolls:         150,
		DiarizeMinChunks: 5,
		SummaryAttempts:  3,
		SummaryBaseDelay: time.Second,
		SummaryMaxDelay:  10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = d.MaxPolls
	}
	if c.DiarizeMinChunks <= 0 {
		c.DiarizeMinChunks = d.DiarizeMinChunks
	}
	if c.SummaryAttempts <= 0 {
		c.SummaryAttempts = d.SummaryAttempts
	}
	if c.SummaryBaseDelay <= 0 {
		c.SummaryBaseDelay = d.SummaryBaseDelay
	}
	if c.SummaryMaxDelay <= 0 {
		c.SummaryMaxDelay = d.SummaryMaxDelay
	}
}

// Orchestrator finalizes sessions. Safe for concurrent triggers: the
// in-process single-flight set plus the stopped -> processing CAS in
// the store guarantee each session finalizes once.
type Orchestrator struct {
	store      *store.Store
	summarizer summarize.Summarizer
	refiner    diarize.Refiner
	notifier   notify.Publisher
	archiver   *archive.Writer
	log        *slog.Logger
	cfg        Config

	mu       sync.Mutex
	inflight map[string]bool
}

// New returns an Orchestrator. refiner and archiver may be nil to skip
// those steps.
func New(st *store.Store, summarizer summarize.Summarizer, refiner diarize.Refiner, notifier notify.Publisher, archiver *archive.Writer, log *slog.Logger, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:      st,
		summarizer: summarizer,
		refiner:    refiner,
		notifier:   notifier,
		archiver:   archiver,
		log:        log,
		cfg:        cfg,
		inflight:   make(map[string]bool),
	}
}

// Trigger runs Finalize on its own goroutine. It is the hook handed to
// session stop and to the pipeline's settled check; both may fire for
// the same session and only one run proceeds.
func (o *Orchestrator) Trigger(sessionID string) {
	go func() {
		if err := o.Finalize(context.Background(), sessionID); err != nil {
			o.log.Error("finalization failed", "session", sessionID, "error", err)
		}
	}()
}

// Finalize drives one session to completed or failed. A session that
// is not in stopped state (already claimed, already terminal) is a
// quiet no-op.
func (o *Orchestrator) Finalize(ctx context.Context, sessionID string) error {
	if !o.claim(sessionID) {
		return nil
	}
	defer o.unclaim(sessionID)

	ok, err := o.store.TransitionSession(sessionID, []store.SessionStatus{store.SessionStopped}, store.SessionProcessing, false)
	if err != nil {
		return fmt.Errorf("claiming session for finalization: %w", err)
	}
	if !ok {
		return nil
	}
	o.log.Info("finalization started", "session", sessionID)

	if err := o.awaitChunks(ctx, sessionID); err != nil {
		return o.fail(sessionID, fmt.Errorf("waiting for chunks: %w", err))
	}

	chunks, err := o.store.ChunksForSession(sessionID)
	if err != nil {
		return o.fail(sessionID, fmt.Errorf("loading chunks: %w", err))
	}
	result := aggregate.Build(chunks)
	result = o.refineSpeakers(ctx, sessionID, result)

	// The transcript is durable before summarization starts; no
	// summary failure can lose it.
	if err := o.store.SetSessionTranscript(sessionID, result.Text); err != nil {
		return o.fail(sessionID, fmt.Errorf("persisting transcript: %w", err))
	}

	summary, err := o.summarizeWithRetry(ctx, result.Text)
	if err != nil {
		o.notifier.Publish(notify.NewEvent(notify.EventSessionFailed, sessionID,
			notify.SessionFailedData("summary generation exhausted retries")))
		return o.fail(sessionID, fmt.Errorf("generating summary: %w", err))
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return o.fail(sessionID, fmt.Errorf("encoding summary: %w", err))
	}
	if err := o.store.SetSessionSummary(sessionID, string(summaryJSON)); err != nil {
		return o.fail(sessionID, fmt.Errorf("persisting summary: %w", err))
	}

	if _, err := o.store.TransitionSession(sessionID, []store.SessionStatus{store.SessionProcessing}, store.SessionCompleted, false); err != nil {
		return fmt.Errorf("completing session: %w", err)
	}

	o.notifier.Publish(notify.NewEvent(notify.EventSessionCompleted, sessionID,
		notify.SessionCompletedData(len(result.Text), summary)))
	o.archive(sessionID, result, summary)

	o.log.Info("session finalized",
		"session", sessionID, "words", result.WordCount, "degraded", summary.Degraded)
	return nil
}

// claim reserves in-process single-flight for the session.
func (o *Orchestrator) claim(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[sessionID] {
		return false
	}
	o.inflight[sessionID] = true
	return true
}

func (o *Orchestrator) unclaim(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, sessionID)
}

// awaitChunks polls until no chunks are pending or the poll budget is
// spent, in which case stuck chunks are marked failed so aggregation
// can proceed with a best-effort transcript.
func (o *Orchestrator) awaitChunks(ctx context.Context, sessionID string) error {
	for poll := 0; ; poll++ {
		counts, err := o.store.CountChunks(sessionID)
		if err != nil {
			return err
		}
		if counts.Pending() == 0 {
			return nil
		}
		if poll >= o.cfg.MaxPolls {
			n, err := o.store.FailPendingChunks(sessionID)
			if err != nil {
				return err
			}
			o.log.Warn("abandoned stuck chunks", "session", sessionID, "chunks", n)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// refineSpeakers runs the diarization pass over sufficiently large
// sessions. Refinement failure keeps the unrefined transcript.
func (o *Orchestrator) refineSpeakers(ctx context.Context, sessionID string, result aggregate.Result) aggregate.Result {
	if o.refiner == nil || len(result.Segments) < o.cfg.DiarizeMinChunks {
		return result
	}
	refined, err := o.refiner.Refine(ctx, result.Segments)
	if err != nil {
		o.log.Warn("speaker refinement failed", "session", sessionID, "error", err)
		return result
	}
	for i, seg := range refined {
		if seg.Speaker == result.Segments[i].Speaker {
			continue
		}
		if err := o.store.UpdateChunkSpeaker(sessionID, seg.Seq, seg.Speaker); err != nil {
			o.log.Warn("persisting refined speaker failed", "session", sessionID, "seq", seg.Seq, "error", err)
		}
	}
	result.Segments = refined
	result.Speakers = speakerSet(refined)
	return result
}

func speakerSet(segments []aggregate.Segment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range segments {
		if s.Speaker == "" || seen[s.Speaker] {
			continue
		}
		seen[s.Speaker] = true
		out = append(out, s.Speaker)
	}
	return out
}

func (o *Orchestrator) summarizeWithRetry(ctx context.Context, transcript string) (*summarize.Summary, error) {
	backoff := retry.WithCappedDuration(o.cfg.SummaryMaxDelay,
		retry.NewExponential(o.cfg.SummaryBaseDelay))
	backoff = retry.WithMaxRetries(uint64(o.cfg.SummaryAttempts-1), backoff)

	var summary *summarize.Summary
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := o.summarizer.Summarize(ctx, transcript)
		if err != nil {
			o.log.Warn("summary attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		summary = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// fail transitions the session to failed, keeping whatever transcript
// was persisted.
func (o *Orchestrator) fail(sessionID string, cause error) error {
	if _, terr := o.store.TransitionSession(sessionID, []store.SessionStatus{store.SessionProcessing}, store.SessionFailed, false); terr != nil {
		o.log.Error("failed-state transition error", "session", sessionID, "error", terr)
	}
	return cause
}

func (o *Orchestrator) archive(sessionID string, result aggregate.Result, summary *summarize.Summary) {
	if o.archiver == nil {
		return
	}
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		o.log.Warn("archive skipped, session load failed", "session", sessionID, "error", err)
		return
	}
	path, err := o.archiver.Write(sess, result, summary)
	if err != nil {
		o.log.Warn("archive write failed", "session", sessionID, "error", err)
		return
	}
	o.log.Info("session archived", "session", sessionID, "path", path)
}
