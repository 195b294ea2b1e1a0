package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecordingSession(t *testing.T, s *Store, id, userID string) {
	t.Helper()
	require.NoError(t, s.CreateSession(&Session{
		ID:     id,
		UserID: userID,
		Title:  "standup",
		Status: SessionRecording,
	}))
}

func TestCreateSessionDuplicateID(t *testing.T) {
	s := openTestStore(t)
	newRecordingSession(t, s, "s1", "u1")

	err := s.CreateSession(&Session{ID: "s1", UserID: "u2", Status: SessionRecording})
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestInsertChunkIdempotent(t *testing.T) {
	s := openTestStore(t)
	newRecordingSession(t, s, "s1", "u1")

	first := &Chunk{ID: uuid.NewString(), SessionID: "s1", Seq: 0, BlobKey: "s1/0.webm", DurationSec: 5}
	require.NoError(t, s.InsertChunk(first))

	second := &Chunk{ID: uuid.NewString(), SessionID: "s1", Seq: 0, BlobKey: "s1/0-other.webm"}
	err := s.InsertChunk(second)
	assert.ErrorIs(t, err, ErrDuplicateChunk)

	// The original row is untouched.
	got, err := s.GetChunk("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "s1/0.webm", got.BlobKey)
}

func TestInsertChunkConcurrentDuplicates(t *testing.T) {
	s := openTestStore(t)
	newRecordingSession(t, s, "s1", "u1")

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.InsertChunk(&Chunk{
				ID: uuid.NewString(), SessionID: "s1", Seq: 7, BlobKey: "s1/7.webm",
			})
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, err := range errs {
		if err == nil {
			inserted++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateChunk)
		}
	}
	assert.Equal(t, 1, inserted, "exactly one concurrent insert wins")

	counts, err := s.CountChunks("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)
}

func TestChunkStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	newRecordingSession(t, s, "s1", "u1")

	c := &Chunk{ID: uuid.NewString(), SessionID: "s1", Seq: 0, BlobKey: "s1/0.webm", DurationSec: 5}
	require.NoError(t, s.InsertChunk(c))

	require.NoError(t, s.MarkChunkProcessing(c.ID))
	require.NoError(t, s.MarkChunkTranscribed(c.ID, "hello there", "Speaker 1", 0.92, 5.2))

	got, err := s.GetChunk("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, ChunkTranscribed, got.Status)
	require.NotNil(t, got.Text)
	assert.Equal(t, "hello there", *got.Text)
	require.NotNil(t, got.Speaker)
	assert.Equal(t, "Speaker 1", *got.Speaker)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.92, *got.Confidence, 1e-9)
	assert.InDelta(t, 5.2, got.DurationSec, 1e-9)
}

func TestCountChunks(t *testing.T) {
	s := openTestStore(t)
	newRecordingSession(t, s, "s1", "u1")

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, s.InsertChunk(&Chunk{ID: ids[i], SessionID: "s1", Seq: i, BlobKey: "k"}))
	}
	require.NoError(t, s.MarkChunkProcessing(ids[1]))
	require.NoError(t, s.MarkChunkProcessing(ids[2]))
	require.NoError(t, s.MarkChunkTranscribed(ids[2], "text", "", 0, 0))
	require.NoError(t, s.MarkChunkFailed(ids[3]))

	counts, err := s.CountChunks("s1")
	require.NoError(t, err)
	assert.Equal(t, ChunkCounts{Total: 4, Uploaded: 1, Processing: 1, Transcribed: 1, Failed: 1}, counts)
	assert.Equal(t, 2, counts.Pending())
}

func TestTransitionSessionCAS(t *testing.T) {
	s := openTestStore(t)
	newRecordingSession(t, s, "s1", "u1")

	ok, err := s.TransitionSession("s1", []SessionStatus{SessionRecording, SessionPaused}, SessionStopped, true)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second stop finds no matching status: the CAS rejects it.
	ok, err = s.TransitionSession("s1", []SessionStatus{SessionRecording, SessionPaused}, SessionStopped, true)
	require.NoError(t, err)
	assert.False(t, ok)

	sess, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, SessionStopped, sess.Status)
	require.NotNil(t, sess.EndedAt)
	assert.WithinDuration(t, time.Now(), *sess.EndedAt, 5*time.Second)
}

func TestCountActiveAndRecentSessions(t *testing.T) {
	s := openTestStore(t)
	newRecordingSession(t, s, "s1", "u1")
	newRecordingSession(t, s, "s2", "u1")
	newRecordingSession(t, s, "s3", "u2")

	_, err := s.TransitionSession("s2", []SessionStatus{SessionRecording}, SessionStopped, true)
	require.NoError(t, err)
	ok, err := s.TransitionSession("s2", []SessionStatus{SessionStopped}, SessionProcessing, false)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionSession("s2", []SessionStatus{SessionProcessing}, SessionCompleted, false)
	require.NoError(t, err)
	require.True(t, ok)

	active, err := s.CountActiveSessions("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	recent, err := s.CountSessionsSince("u1", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, recent)
}

func TestFailPendingChunks(t *testing.T) {
	s := openTestStore(t)
	newRecordingSession(t, s, "s1", "u1")

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, s.InsertChunk(&Chunk{ID: ids[i], SessionID: "s1", Seq: i, BlobKey: "k"}))
	}
	require.NoError(t, s.MarkChunkProcessing(ids[0]))
	require.NoError(t, s.MarkChunkProcessing(ids[1]))
	require.NoError(t, s.MarkChunkTranscribed(ids[1], "done", "", 0, 0))

	n, err := s.FailPendingChunks("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n) // one processing + one uploaded

	counts, err := s.CountChunks("s1")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Pending())
	assert.Equal(t, 1, counts.Transcribed)
}
