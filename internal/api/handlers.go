// Package api exposes the HTTP surface: session control, chunk
// submission, progress queries, event streaming, and queue operations.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/minutesd/minutesd/internal/gate"
	"github.com/minutesd/minutesd/internal/ingest"
	"github.com/minutesd/minutesd/internal/metrics"
	"github.com/minutesd/minutesd/internal/notify"
	"github.com/minutesd/minutesd/internal/queue"
	"github.com/minutesd/minutesd/internal/session"
	"github.com/minutesd/minutesd/internal/store"
)

// userHeader identifies the calling user. Authentication happens
// upstream; the service trusts the header for ownership checks.
const userHeader = "X-User-Id"

// maxChunkBytes bounds a single chunk upload.
const maxChunkBytes = 25 << 20

// QueueControl is the slice of the work queue the API needs.
type QueueControl interface {
	RetryDead() int
	Stats() queue.Stats
}

// Handlers holds the HTTP handler methods for the service API.
type Handlers struct {
	sessions  *session.Service
	ingest    *ingest.Service
	queue     QueueControl
	broker    *notify.Broker
	collector *metrics.Collector
	log       *slog.Logger
}

// NewHandlers creates Handlers over the service's components.
func NewHandlers(sessions *session.Service, ing *ingest.Service, q QueueControl, broker *notify.Broker, collector *metrics.Collector, log *slog.Logger) *Handlers {
	return &Handlers{
		sessions:  sessions,
		ingest:    ing,
		queue:     q,
		broker:    broker,
		collector: collector,
		log:       log,
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// HandleStartSession creates a new recording session.
func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req StartSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sess, err := h.sessions.Start(userID, req.ID, req.Title)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.collector.RecordSessionStarted()
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// HandleListSessions returns the caller's sessions, newest first.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sessions, err := h.sessions.List(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]SessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetSession returns one session with transcript and summary
// when present.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(userID, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// HandlePauseSession pauses a recording session.
func (h *Handlers) HandlePauseSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Pause)
}

// HandleResumeSession resumes a paused session.
func (h *Handlers) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Resume)
}

// HandleStopSession stops the session. Finalization runs after the
// acknowledgment, never before it.
func (h *Handlers) HandleStopSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Stop)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, op func(userID, id string) (*store.Session, error)) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sess, err := op(userID, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// HandleSubmitChunk accepts one audio chunk. Sequence and duration
// arrive in headers; the body is the raw audio.
func (h *Handlers) HandleSubmitChunk(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	seq, err := strconv.Atoi(r.Header.Get("X-Chunk-Seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "X-Chunk-Seq header must be an integer")
		return
	}
	duration := 0.0
	if v := r.Header.Get("X-Chunk-Duration"); v != "" {
		duration, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "X-Chunk-Duration header must be a number")
			return
		}
	}

	res, err := h.ingest.Submit(r.Context(), ingest.Submission{
		SessionID:   r.PathValue("id"),
		UserID:      userID,
		Seq:         seq,
		MIMEType:    r.Header.Get("Content-Type"),
		DurationSec: duration,
		Data:        http.MaxBytesReader(w, r.Body, maxChunkBytes),
		ConnID:      r.RemoteAddr,
	})
	if err != nil {
		reason := rejectionReason(err)
		h.collector.RecordChunkRejected(reason)
		status := domainStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error("chunk submission failed", "error", err)
		}
		writeJSON(w, status, ChunkRejection{Accepted: false, Reason: reason, Error: err.Error()})
		return
	}

	h.collector.RecordChunkAccepted(res.Duplicate)
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// HandleProgress returns the chunk-processing snapshot.
func (h *Handlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	p, err := h.sessions.Progress(userID, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleTranscript returns the aggregated transcript once it exists.
func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(userID, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if sess.Transcript == nil {
		writeError(w, http.StatusNotFound, "transcript not available yet")
		return
	}
	writeJSON(w, http.StatusOK, TranscriptResponse{
		SessionID:  sess.ID,
		Status:     string(sess.Status),
		Transcript: *sess.Transcript,
	})
}

// HandleSummary returns the structured summary once it exists.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.Get(userID, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if sess.Summary == nil {
		writeError(w, http.StatusNotFound, "summary not available yet")
		return
	}
	var summary any
	if err := json.Unmarshal([]byte(*sess.Summary), &summary); err != nil {
		writeError(w, http.StatusInternalServerError, "stored summary is unreadable")
		return
	}
	writeJSON(w, http.StatusOK, SummaryResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Summary:   summary,
	})
}

// HandleEvents streams the session's notifications as server-sent
// events until the client disconnects.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if _, err := h.sessions.Get(userID, r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := h.broker.Subscribe(r.PathValue("id"))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// HandleQueueStats reports queue depth.
func (h *Handlers) HandleQueueStats(w http.ResponseWriter, _ *http.Request) {
	s := h.queue.Stats()
	writeJSON(w, http.StatusOK, QueueStatsResponse{
		Pending:   s.Pending,
		InFlight:  s.InFlight,
		Completed: s.Completed,
		Dead:      s.Dead,
	})
}

// HandleRetryDead requeues every dead job. This is the operator's
// explicit bulk retry; nothing requeues dead jobs automatically.
func (h *Handlers) HandleRetryDead(w http.ResponseWriter, _ *http.Request) {
	n := h.queue.RetryDead()
	h.log.Info("dead jobs requeued via api", "jobs", n)
	writeJSON(w, http.StatusOK, RetryResponse{Requeued: n})
}

func (h *Handlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, userHeader+" header is required")
		return "", false
	}
	return userID, true
}

// writeDomainError maps service errors onto HTTP status codes. Flow
// control is 429 and deliberately not logged as an error.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	status := domainStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// domainStatus picks the HTTP status for a service error.
func domainStatus(err error) int {
	switch {
	case gate.FlowControl(err):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrNotAcceptingChunks):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrInvalidSubmission):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// rejectionReason labels rejected submissions for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, gate.ErrBackpressure):
		return "backpressure"
	case errors.Is(err, gate.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, session.ErrForbidden):
		return "forbidden"
	case errors.Is(err, session.ErrNotAcceptingChunks):
		return "session_closed"
	case errors.Is(err, ingest.ErrInvalidSubmission):
		return "invalid"
	case errors.Is(err, store.ErrSessionNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func toSessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		Title:      s.Title,
		Status:     string(s.Status),
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		Transcript: s.Transcript,
		Summary:    s.Summary,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg, Code: code})
}
