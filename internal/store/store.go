package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrSessionNotFound is returned when a session ID matches no row.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when a session ID already exists.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrDuplicateChunk is returned when a (session, seq) pair already exists.
	// Callers treat this as the idempotent-duplicate path, not a failure.
	ErrDuplicateChunk = errors.New("chunk already exists")
	// ErrChunkNotFound is returned when a chunk lookup matches no row.
	ErrChunkNotFound = errors.New("chunk not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	transcript  TEXT,
	summary     TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, started_at);

CREATE TABLE IF NOT EXISTS chunks (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	seq          INTEGER NOT NULL,
	blob_key     TEXT NOT NULL,
	duration_sec REAL NOT NULL DEFAULT 0,
	text         TEXT,
	speaker      TEXT,
	confidence   REAL,
	status       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE(session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_chunks_session ON chunks(session_id, seq);
`

// Store provides durable access to sessions and chunks.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with WAL enabled.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent submissions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *Session) error {
	now := time.Now()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, title, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.Title, string(sess.Status),
		sess.StartedAt.UnixMilli(), sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given ID.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, title, status, started_at, ended_at, transcript, summary, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, most recently started first. If userID
// is non-empty, only that user's sessions are returned.
func (s *Store) ListSessions(userID string) ([]Session, error) {
	q := `SELECT id, user_id, title, status, started_at, ended_at, transcript, summary, created_at, updated_at
		FROM sessions`
	args := []any{}
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY started_at DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// CountActiveSessions returns the number of the user's sessions in a
// non-terminal state.
func (s *Store) CountActiveSessions(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sessions
		WHERE user_id = ? AND status NOT IN (?, ?)
	`, userID, string(SessionCompleted), string(SessionFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// CountSessionsSince returns the number of the user's sessions started at or
// after the given time.
func (s *Store) CountSessionsSince(userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sessions WHERE user_id = ? AND started_at >= ?
	`, userID, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// TransitionSession moves the session to status to, but only if its current
// status is one of from. It reports whether a row was updated, which is the
// compare-and-swap guard preventing concurrent double transitions.
func (s *Store) TransitionSession(id string, from []SessionStatus, to SessionStatus, setEnded bool) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	now := time.Now().UnixMilli()

	q := `UPDATE sessions SET status = ?, updated_at = ?`
	args := []any{string(to), now}
	if setEnded {
		q += `, ended_at = ?`
		args = append(args, now)
	}
	q += ` WHERE id = ? AND status IN (` + placeholders + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.Exec(q, args...)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSessionTranscript stores the aggregated transcript text.
func (s *Store) SetSessionTranscript(id, transcript string) error {
	_, err := s.db.Exec(`UPDATE sessions SET transcript = ?, updated_at = ? WHERE id = ?`,
		transcript, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set transcript: %w", err)
	}
	return nil
}

// SetSessionSummary stores the structured summary as JSON.
func (s *Store) SetSessionSummary(id, summaryJSON string) error {
	_, err := s.db.Exec(`UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?`,
		summaryJSON, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

// InsertChunk inserts a new chunk row with status uploaded. A concurrent
// insert for the same (session, seq) surfaces as ErrDuplicateChunk via the
// unique constraint; the store itself is the arbiter, no separate lock.
func (s *Store) InsertChunk(c *Chunk) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = ChunkUploaded
	}

	_, err := s.db.Exec(`
		INSERT INTO chunks (id, session_id, seq, blob_key, duration_sec, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SessionID, c.Seq, c.BlobKey, c.DurationSec, string(c.Status),
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateChunk
		}
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// GetChunk returns the chunk identified by (sessionID, seq).
func (s *Store) GetChunk(sessionID string, seq int) (*Chunk, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, seq, blob_key, duration_sec, text, speaker, confidence, status, created_at, updated_at
		FROM chunks WHERE session_id = ? AND seq = ?
	`, sessionID, seq)
	return scanChunk(row)
}

// GetChunkByID returns the chunk with the given ID.
func (s *Store) GetChunkByID(id string) (*Chunk, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, seq, blob_key, duration_sec, text, speaker, confidence, status, created_at, updated_at
		FROM chunks WHERE id = ?
	`, id)
	return scanChunk(row)
}

// ChunksForSession returns all chunks for a session ordered by sequence.
func (s *Store) ChunksForSession(sessionID string) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, seq, blob_key, duration_sec, text, speaker, confidence, status, created_at, updated_at
		FROM chunks WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountChunks returns per-status counts for a session.
func (s *Store) CountChunks(sessionID string) (ChunkCounts, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM chunks WHERE session_id = ? GROUP BY status
	`, sessionID)
	if err != nil {
		return ChunkCounts{}, fmt.Errorf("count chunks: %w", err)
	}
	defer rows.Close()

	var counts ChunkCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ChunkCounts{}, fmt.Errorf("scan count: %w", err)
		}
		counts.Total += n
		switch ChunkStatus(status) {
		case ChunkUploaded:
			counts.Uploaded = n
		case ChunkProcessing:
			counts.Processing = n
		case ChunkTranscribed:
			counts.Transcribed = n
		case ChunkFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// MarkChunkProcessing moves a chunk into the processing state.
func (s *Store) MarkChunkProcessing(id string) error {
	return s.setChunkStatus(id, ChunkProcessing)
}

// MarkChunkFailed moves a chunk into the terminal failed state.
func (s *Store) MarkChunkFailed(id string) error {
	return s.setChunkStatus(id, ChunkFailed)
}

// MarkChunkTranscribed records the transcription result and moves the chunk
// into the terminal transcribed state.
func (s *Store) MarkChunkTranscribed(id, text, speaker string, confidence float64, durationSec float64) error {
	res, err := s.db.Exec(`
		UPDATE chunks SET status = ?, text = ?, speaker = ?, confidence = ?,
			duration_sec = CASE WHEN ? > 0 THEN ? ELSE duration_sec END,
			updated_at = ?
		WHERE id = ?
	`, string(ChunkTranscribed), text, speaker, confidence,
		durationSec, durationSec, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark transcribed: %w", err)
	}
	return requireOneRow(res)
}

// UpdateChunkSpeaker relabels a chunk's speaker. Used by the diarization
// refinement pass after aggregation.
func (s *Store) UpdateChunkSpeaker(sessionID string, seq int, speaker string) error {
	_, err := s.db.Exec(`
		UPDATE chunks SET speaker = ?, updated_at = ? WHERE session_id = ? AND seq = ?
	`, speaker, time.Now().UnixMilli(), sessionID, seq)
	if err != nil {
		return fmt.Errorf("update speaker: %w", err)
	}
	return nil
}

// FailPendingChunks marks every unresolved chunk of a session as failed and
// returns how many were affected. The finalizer uses this when its poll
// budget is exhausted by a stuck chunk.
func (s *Store) FailPendingChunks(sessionID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE chunks SET status = ?, updated_at = ?
		WHERE session_id = ? AND status IN (?, ?)
	`, string(ChunkFailed), time.Now().UnixMilli(), sessionID,
		string(ChunkUploaded), string(ChunkProcessing))
	if err != nil {
		return 0, fmt.Errorf("fail pending chunks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) setChunkStatus(id string, status ChunkStatus) error {
	res, err := s.db.Exec(`UPDATE chunks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set chunk status: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChunkNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status string
	var startedAt, createdAt, updatedAt int64
	var endedAt sql.NullInt64
	var transcript, summary sql.NullString

	err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &status, &startedAt,
		&endedAt, &transcript, &summary, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = SessionStatus(status)
	sess.StartedAt = time.UnixMilli(startedAt)
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		sess.EndedAt = &t
	}
	if transcript.Valid {
		sess.Transcript = &transcript.String
	}
	if summary.Valid {
		sess.Summary = &summary.String
	}
	return &sess, nil
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var status string
	var createdAt, updatedAt int64
	var text, speaker sql.NullString
	var confidence sql.NullFloat64

	err := row.Scan(&c.ID, &c.SessionID, &c.Seq, &c.BlobKey, &c.DurationSec,
		&text, &speaker, &confidence, &status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("scan chunk: %w", err)
	}

	c.Status = ChunkStatus(status)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	if text.Valid {
		c.Text = &text.String
	}
	if speaker.Valid {
		c.Speaker = &speaker.String
	}
	if confidence.Valid {
		c.Confidence = &confidence.Float64
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
