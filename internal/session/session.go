// Package session implements the recording-session lifecycle: start,
// pause/resume, stop, and the rules for when a session still accepts
// incoming chunks.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/minutesd/minutesd/internal/gate"
	"github.com/minutesd/minutesd/internal/store"
)

var (
	// ErrForbidden signals the session belongs to a different user.
	ErrForbidden = errors.New("session belongs to another user")
	// ErrInvalidTransition signals the requested lifecycle change is not
	// legal from the session's current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNotAcceptingChunks signals the session is past the point where
	// new chunks may be submitted.
	ErrNotAcceptingChunks = errors.New("session no longer accepts chunks")
)

// transitions is the lifecycle table. Completed and failed are terminal
// and deliberately absent as sources.
var transitions = map[store.SessionStatus][]store.SessionStatus{
	store.SessionRecording:  {store.SessionPaused, store.SessionStopped},
	store.SessionPaused:     {store.SessionRecording, store.SessionStopped},
	store.SessionStopped:    {store.SessionProcessing},
	store.SessionProcessing: {store.SessionCompleted, store.SessionFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle change.
func CanTransition(from, to store.SessionStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// sources returns every state from which to is reachable.
func sources(to store.SessionStatus) []store.SessionStatus {
	var out []store.SessionStatus
	for from, tos := range transitions {
		for _, t := range tos {
			if t == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// StopHook is invoked after a session enters stopped. The stop request
// itself never waits on it.
type StopHook func(sessionID string)

// Service drives session lifecycle against the store, enforcing
// ownership, per-user limits, and the transition table.
type Service struct {
	store    *store.Store
	gate     *gate.Gate
	log      *slog.Logger
	grace    time.Duration
	now      func() time.Time
	stopHook StopHook
}

// Option customizes a Service.
type Option func(*Service)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithGrace sets the late-chunk window after a session stops.
func WithGrace(d time.Duration) Option {
	return func(s *Service) { s.grace = d }
}

// WithStopHook registers the hook fired asynchronously on stop.
func WithStopHook(h StopHook) Option {
	return func(s *Service) { s.stopHook = h }
}

// DefaultGrace is how long after stop a late in-flight chunk is still
// admitted. Clients flush their upload queue on stop; rejecting those
// chunks would drop audio the client already considers delivered.
const DefaultGrace = 30 * time.Second

func NewService(st *store.Store, g *gate.Gate, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store: st,
		gate:  g,
		log:   log,
		grace: DefaultGrace,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates a new recording session for userID after checking the
// per-user concurrency and rolling 24h quota limits. id may be
// client-supplied; an empty id gets a generated one. A duplicate id
// returns store.ErrDuplicateSession.
func (s *Service) Start(userID, id, title string) (*store.Session, error) {
	active, err := s.store.CountActiveSessions(userID)
	if err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}
	recent, err := s.store.CountSessionsSince(userID, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("counting recent sessions: %w", err)
	}
	if err := s.gate.CheckSessionStart(active, recent); err != nil {
		return nil, err
	}

	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	sess := &store.Session{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Status:    store.SessionRecording,
		StartedAt: now,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.log.Info("session started", "session", sess.ID, "user", userID)
	return sess, nil
}

// Get returns the session after verifying userID owns it.
func (s *Service) Get(userID, id string) (*store.Session, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// List returns the user's sessions, newest first.
func (s *Service) List(userID string) ([]store.Session, error) {
	return s.store.ListSessions(userID)
}

// Pause moves a recording session to paused. Pausing only flips the
// flag; chunks racing the pause are still admitted.
func (s *Service) Pause(userID, id string) (*store.Session, error) {
	return s.transition(userID, id, store.SessionPaused, false)
}

// Resume moves a paused session back to recording.
func (s *Service) Resume(userID, id string) (*store.Session, error) {
	return s.transition(userID, id, store.SessionRecording, false)
}

// Stop ends the session, records endedAt, and fires the stop hook on
// its own goroutine. The caller gets the acknowledgment immediately.
func (s *Service) Stop(userID, id string) (*store.Session, error) {
	sess, err := s.transition(userID, id, store.SessionStopped, true)
	if err != nil {
		return nil, err
	}
	if s.stopHook != nil {
		go s.stopHook(id)
	}
	return sess, nil
}

func (s *Service) transition(userID, id string, to store.SessionStatus, setEnded bool) (*store.Session, error) {
	sess, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.TransitionSession(id, sources(to), to, setEnded)
	if err != nil {
		return nil, fmt.Errorf("transitioning session %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, to)
	}
	s.log.Info("session transitioned", "session", id, "to", to)
	return s.store.GetSession(id)
}

// AcceptsChunks reports whether sess may still receive chunk
// submissions. Recording and paused always accept; stopped, processing,
// and completed accept within the grace window after endedAt; failed
// never accepts.
func (s *Service) AcceptsChunks(sess *store.Session) error {
	switch sess.Status {
	case store.SessionRecording, store.SessionPaused:
		return nil
	case store.SessionStopped, store.SessionProcessing, store.SessionCompleted:
		if sess.EndedAt != nil && s.now().Sub(*sess.EndedAt) <= s.grace {
			return nil
		}
	}
	return fmt.Errorf("%w: status %s", ErrNotAcceptingChunks, sess.Status)
}

// Progress is a snapshot of how far a session's chunks have advanced.
// Percent is the share of chunks that have reached a terminal status
// (transcribed or failed); a session with no chunks reports zero.
type Progress struct {
	SessionID   string  `json:"sessionId"`
	Status      string  `json:"status"`
	Total       int     `json:"totalChunks"`
	Uploaded    int     `json:"uploadedChunks"`
	Processing  int     `json:"processingChunks"`
	Transcribed int     `json:"transcribedChunks"`
	Failed      int     `json:"failedChunks"`
	Pending     int     `json:"pendingChunks"`
	Percent     float64 `json:"percent"`
}

// Progress returns the chunk-processing snapshot for a session.
func (s *Service) Progress(userID, id string) (*Progress, error) {
	sess, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountChunks(id)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	percent := 0.0
	if counts.Total > 0 {
		percent = 100 * float64(counts.Transcribed+counts.Failed) / float64(counts.Total)
	}
	return &Progress{
		SessionID:   id,
		Status:      string(sess.Status),
		Total:       counts.Total,
		Uploaded:    counts.Uploaded,
		Processing:  counts.Processing,
		Transcribed: counts.Transcribed,
		Failed:      counts.Failed,
		Pending:     counts.Pending(),
		Percent:     percent,
	}, nil
}
