package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minutesd/minutesd/internal/blob"
	"github.com/minutesd/minutesd/internal/diarize"
	"github.com/minutesd/minutesd/internal/finalize"
	"github.com/minutesd/minutesd/internal/gate"
	"github.com/minutesd/minutesd/internal/ingest"
	"github.com/minutesd/minutesd/internal/metrics"
	"github.com/minutesd/minutesd/internal/notify"
	"github.com/minutesd/minutesd/internal/pipeline"
	"github.com/minutesd/minutesd/internal/queue"
	"github.com/minutesd/minutesd/internal/session"
	"github.com/minutesd/minutesd/internal/store"
	"github.com/minutesd/minutesd/internal/summarize"
	"github.com/minutesd/minutesd/internal/transcribe"
)

// copyConverter stands in for ffmpeg: it copies the raw blob to a
// .wav path and reports a fixed duration.
type copyConverter struct {
	dir string
}

func (c copyConverter) Convert(_ context.Context, rawPath string) (string, float64, error) {
	data, err := os.ReadFile(rawPath)
	if err != nil {
		return "", 0, err
	}
	out := filepath.Join(c.dir, filepath.Base(rawPath)+".wav")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", 0, err
	}
	return out, 5, nil
}

// echoTranscriber returns the chunk's audio bytes as its transcript,
// which lets tests control the text per chunk.
type echoTranscriber struct{}

func (echoTranscriber) Transcribe(_ context.Context, wavPath, _ string, _ transcribe.Options) (transcribe.Result, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return transcribe.Result{}, err
	}
	return transcribe.Result{Text: string(data), Confidence: 0.9}, nil
}

type echoSummarizer struct{}

func (echoSummarizer) Summarize(_ context.Context, transcript string) (*summarize.Summary, error) {
	return &summarize.Summary{
		ExecutiveSummary: "Discussed: " + transcript,
		KeyPoints:        []string{transcript},
		ActionItems:      []string{},
		Decisions:        []string{},
		KeyTimestamps:    []summarize.KeyTimestamp{},
	}, nil
}

// TestFullSessionFlow drives the whole service through HTTP: start a
// session, submit chunks out of order, stop, and read back the ordered
// transcript and the summary once finalization completes.
func TestFullSessionFlow(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "flow.sqlite"))
	require.NoError(t, err)
	defer st.Close()

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	log := slog.New(slog.DiscardHandler)
	g := gate.New(gate.DefaultConfig(), gate.NewMemoryLimitStore())
	broker := notify.NewBroker()
	collector := metrics.NewCollector()

	orch := finalize.New(st, echoSummarizer{}, diarize.Noop{}, broker, nil, log, finalize.Config{
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     400,
	})
	sessions := session.NewService(st, g, log, session.WithStopHook(orch.Trigger))

	worker := pipeline.NewWorker(st, blobs, copyConverter{dir: t.TempDir()}, echoTranscriber{}, broker, log,
		pipeline.WithTmpDir(t.TempDir()),
		pipeline.WithSettledHook(orch.Trigger))

	jobs := queue.New(queue.Config[pipeline.ChunkJob]{Workers: 2, BaseDelay: time.Millisecond}, worker.Process)
	jobs.Start(t.Context())
	defer jobs.Stop()

	ing := ingest.NewService(st, blobs, g, sessions, func(chunkID, sessionID string, seq int) error {
		_, err := jobs.Enqueue(pipeline.ChunkJob{ChunkID: chunkID, SessionID: sessionID, Seq: seq})
		return err
	}, log)

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandlers(sessions, ing, jobs, broker, collector, log), nil)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	post := func(path, body string, headers map[string]string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-User-Id", "alice")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}
	get := func(path string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("X-User-Id", "alice")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("/api/sessions", `{"title":"weekly sync"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decode[SessionResponse](t, resp)

	// Chunks arrive out of order; the transcript must still read 0,1,2.
	words := map[int]string{0: "Hello everyone.", 1: "Let's get started.", 2: "First item is the roadmap."}
	for _, seq := range []int{2, 0, 1} {
		resp := post("/api/sessions/"+sess.ID+"/chunks", words[seq], map[string]string{
			"Content-Type":     "audio/webm",
			"X-Chunk-Seq":      fmt.Sprint(seq),
			"X-Chunk-Duration": "5",
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	// A retransmission of seq 1 with different bytes must be absorbed
	// as a duplicate; the original text wins.
	resp = post("/api/sessions/"+sess.ID+"/chunks", "Something else entirely.", map[string]string{
		"Content-Type": "audio/webm",
		"X-Chunk-Seq":  "1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = post("/api/sessions/"+sess.ID+"/stop", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Finalization is asynchronous; poll the transcript endpoint.
	var transcript TranscriptResponse
	require.Eventually(t, func() bool {
		resp := get("/api/sessions/" + sess.ID + "/transcript")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&transcript) == nil
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, "Hello everyone. Let's get started. First item is the roadmap.", transcript.Transcript)

	resp = get("/api/sessions/" + sess.ID + "/summary")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sm := decode[SummaryResponse](t, resp)
	summary, ok := sm.Summary.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, summary["executiveSummary"], "Hello everyone.")

	resp = get("/api/sessions/" + sess.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := decode[SessionResponse](t, resp)
	assert.Equal(t, "completed", final.Status)
}
