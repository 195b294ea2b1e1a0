package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/minutesd/minutesd/internal/api"
	"github.com/minutesd/minutesd/internal/archive"
	"github.com/minutesd/minutesd/internal/blob"
	"github.com/minutesd/minutesd/internal/config"
	"github.com/minutesd/minutesd/internal/diarize"
	"github.com/minutesd/minutesd/internal/finalize"
	"github.com/minutesd/minutesd/internal/gate"
	"github.com/minutesd/minutesd/internal/ingest"
	"github.com/minutesd/minutesd/internal/metrics"
	"github.com/minutesd/minutesd/internal/notify"
	"github.com/minutesd/minutesd/internal/pipeline"
	"github.com/minutesd/minutesd/internal/queue"
	"github.com/minutesd/minutesd/internal/server"
	"github.com/minutesd/minutesd/internal/session"
	"github.com/minutesd/minutesd/internal/store"
	"github.com/minutesd/minutesd/internal/summarize"
	"github.com/minutesd/minutesd/internal/transcode"
	"github.com/minutesd/minutesd/internal/transcribe"
)

// memorySampleInterval is how often the admission gate re-reads
// process memory usage.
const memorySampleInterval = 5 * time.Second

// queueStatsInterval is how often queue depth gauges are refreshed.
const queueStatsInterval = 10 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	var allowedOrigins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the minutesd HTTP service",
		Long: `Start the minutesd HTTP service.

The service accepts audio chunks over HTTP, transcribes them through a
bounded worker queue, and finalizes each session into an ordered
transcript plus a structured summary when it is stopped.

The model API key is read from the MINUTESD_API_KEY environment
variable (a .env file in the working directory is honored).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, allowedOrigins)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to minutesd.yaml (built-in defaults when omitted)")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allow-origin", nil, "Additional CORS origins to allow")

	return cmd
}

func runServe(ctx context.Context, configPath string, allowedOrigins []string) error {
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Transcribe.APIKey == "" {
		logger.Warn("MINUTESD_API_KEY is not set; transcription and summarization requests will be rejected upstream")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	blobs, err := newBlobStore(cfg.Blob)
	if err != nil {
		return err
	}

	sampler := gate.NewMemorySampler(uint64(cfg.Admission.MemoryBudgetMB)<<20, memorySampleInterval)
	sampler.Start(ctx)
	g := gate.New(gate.Config{
		MaxInFlightPerConn:    cfg.Admission.MaxInFlightPerConn,
		MemoryHighWater:       cfg.Admission.MemoryHighWater,
		MaxConcurrentSessions: cfg.Admission.MaxConcurrentSessions,
		MaxSessionsPer24h:     cfg.Admission.MaxSessionsPer24h,
		ChunksPerHour:         cfg.Admission.ChunksPerHour,
	}, gate.NewMemoryLimitStore(), gate.WithMemoryUsage(sampler.UsedFraction))

	broker := notify.NewBroker()
	collector := metrics.NewCollector()
	events := metrics.InstrumentedPublisher{Next: broker, Collector: collector}

	var archiver *archive.Writer
	if cfg.Archive.Enabled != nil && *cfg.Archive.Enabled {
		archiver, err = archive.NewWriter(cfg.Archive.Dir)
		if err != nil {
			return fmt.Errorf("creating archive dir: %w", err)
		}
	}

	summarizer := summarize.NewChatBackend(cfg.Summary.BaseURL, cfg.Summary.APIKey, cfg.Summary.Model, logger)
	orch := finalize.New(st, summarizer, diarize.Gap{}, events, archiver, logger, finalize.Config{
		PollInterval:     time.Duration(cfg.Finalize.PollIntervalSec) * time.Second,
		MaxPolls:         cfg.Finalize.MaxPolls,
		DiarizeMinChunks: cfg.Finalize.DiarizeMinChunks,
		SummaryAttempts:  cfg.Summary.Attempts,
		SummaryBaseDelay: time.Duration(cfg.Summary.BaseDelaySec) * time.Second,
		SummaryMaxDelay:  time.Duration(cfg.Summary.MaxDelaySec) * time.Second,
	})

	sessions := session.NewService(st, g, logger,
		session.WithGrace(cfg.Grace()),
		session.WithStopHook(orch.Trigger))

	transcriber := transcribe.NewOpenAIBackend(cfg.Transcribe.BaseURL, cfg.Transcribe.APIKey, cfg.Transcribe.Model)
	worker := pipeline.NewWorker(st, blobs, transcode.NewFFmpeg(cfg.TmpDir), transcriber, broker, logger,
		pipeline.WithTmpDir(cfg.TmpDir),
		pipeline.WithSettledHook(orch.Trigger),
		pipeline.WithTranscribeOptions(transcribe.Options{
			Language: cfg.Transcribe.Language,
			Timeout:  time.Duration(cfg.Transcribe.TimeoutSec) * time.Second,
		}))

	jobs := queue.New(queue.Config[pipeline.ChunkJob]{
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Queue.BaseDelaySec) * time.Second,
		MaxDelay:    time.Duration(cfg.Queue.MaxDelaySec) * time.Second,
		DeadLimit:   cfg.Queue.DeadLetterLimit,
		OnDone: func(_ pipeline.ChunkJob, latency time.Duration) {
			collector.RecordJobCompleted(latency.Seconds())
		},
		OnRetry: func(_ pipeline.ChunkJob, _ int, _ error) {
			collector.RecordJobRetried()
		},
		OnDead: func(job pipeline.ChunkJob, lastErr error) {
			collector.RecordJobDead()
			onDeadChunk(st, orch, logger, job, lastErr)
		},
	}, worker.Process)
	jobs.Start(ctx)
	defer jobs.Stop()

	go pollQueueStats(ctx, jobs, collector)

	ing := ingest.NewService(st, blobs, g, sessions, func(chunkID, sessionID string, seq int) error {
		_, err := jobs.Enqueue(pipeline.ChunkJob{ChunkID: chunkID, SessionID: sessionID, Seq: seq})
		return err
	}, logger)

	handlers := api.NewHandlers(sessions, ing, jobs, broker, collector, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, handlers, collector.Handler())

	srv := server.New(server.Config{
		Addr:    cfg.Server.Addr,
		Handler: api.CORSMiddleware(mux, allowedOrigins...),
		Logger:  logger,
	})
	return srv.ListenAndServe(ctx)
}

// newBlobStore builds the raw-audio backend named by the config.
func newBlobStore(cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "", "fs":
		opts, err := cfg.FSOptions()
		if err != nil {
			return nil, err
		}
		return blob.NewFSStore(opts.Dir)
	case "azure":
		opts, err := cfg.AzureOptions()
		if err != nil {
			return nil, err
		}
		return blob.NewAzureStore(opts.ServiceURL, opts.Container)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

// onDeadChunk marks a permanently failed chunk in the store and, when
// its session is already stopped and fully drained, kicks finalization
// so the session does not hang on the dead chunk.
func onDeadChunk(st *store.Store, orch *finalize.Orchestrator, logger *slog.Logger, job pipeline.ChunkJob, lastErr error) {
	logger.Error("chunk transcription exhausted retries",
		"chunkId", job.ChunkID, "sessionId", job.SessionID, "seq", job.Seq, "error", lastErr)

	if err := st.MarkChunkFailed(job.ChunkID); err != nil {
		logger.Error("marking dead chunk failed", "chunkId", job.ChunkID, "error", err)
	}

	sess, err := st.GetSession(job.SessionID)
	if err != nil {
		return
	}
	if sess.Status != store.SessionStopped {
		return
	}
	counts, err := st.CountChunks(job.SessionID)
	if err != nil || counts.Pending() > 0 {
		return
	}
	orch.Trigger(job.SessionID)
}

// pollQueueStats keeps the queue depth gauges current.
func pollQueueStats(ctx context.Context, jobs *queue.Queue[pipeline.ChunkJob], collector *metrics.Collector) {
	ticker := time.NewTicker(queueStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := jobs.Stats()
			collector.SetQueueDepth(s.Pending, s.InFlight)
		}
	}
}
