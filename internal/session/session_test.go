package session

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minutesd/minutesd/internal/gate"
	"github.com/minutesd/minutesd/internal/store"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g := gate.New(gate.DefaultConfig(), gate.NewMemoryLimitStore())
	svc := NewService(st, g, slog.New(slog.DiscardHandler), opts...)
	return svc, st
}

func TestStartCreatesRecordingSession(t *testing.T) {
	svc, _ := newTestService(t)

	sess, err := svc.Start("u1", "", "standup")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, store.SessionRecording, sess.Status)
	assert.Equal(t, "u1", sess.UserID)
	assert.Nil(t, sess.EndedAt)
}

func TestStartConcurrentSessionLimit(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Start("u1", "", "one")
	require.NoError(t, err)
	_, err = svc.Start("u1", "", "two")
	require.NoError(t, err)

	_, err = svc.Start("u1", "", "three")
	assert.ErrorIs(t, err, gate.ErrTooManySessions)

	// A different user is unaffected.
	_, err = svc.Start("u2", "", "other")
	assert.NoError(t, err)
}

func TestPauseResumeStop(t *testing.T) {
	svc, _ := newTestService(t)
	sess, err := svc.Start("u1", "", "standup")
	require.NoError(t, err)

	paused, err := svc.Pause("u1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionPaused, paused.Status)

	resumed, err := svc.Resume("u1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionRecording, resumed.Status)

	stopped, err := svc.Stop("u1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStopped, stopped.Status)
	require.NotNil(t, stopped.EndedAt)
}

func TestStopFiresHookAsynchronously(t *testing.T) {
	hooked := make(chan string, 1)
	svc, _ := newTestService(t, WithStopHook(func(id string) { hooked <- id }))
	sess, err := svc.Start("u1", "", "standup")
	require.NoError(t, err)

	_, err = svc.Stop("u1", sess.ID)
	require.NoError(t, err)

	select {
	case id := <-hooked:
		assert.Equal(t, sess.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("stop hook never fired")
	}
}

func TestIllegalTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	sess, err := svc.Start("u1", "", "standup")
	require.NoError(t, err)

	// Resume while recording.
	_, err = svc.Resume("u1", sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Stop("u1", sess.ID)
	require.NoError(t, err)

	// Nothing is legal after stop except finalization's own moves.
	_, err = svc.Pause("u1", sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Stop("u1", sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOwnership(t *testing.T) {
	svc, _ := newTestService(t)
	sess, err := svc.Start("u1", "", "standup")
	require.NoError(t, err)

	_, err = svc.Get("u2", sess.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Stop("u2", sess.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Get("u1", "nope")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestTransitionTable(t *testing.T) {
	legal := [][2]store.SessionStatus{
		{store.SessionRecording, store.SessionPaused},
		{store.SessionRecording, store.SessionStopped},
		{store.SessionPaused, store.SessionRecording},
		{store.SessionPaused, store.SessionStopped},
		{store.SessionStopped, store.SessionProcessing},
		{store.SessionProcessing, store.SessionCompleted},
		{store.SessionProcessing, store.SessionFailed},
	}
	isLegal := func(from, to store.SessionStatus) bool {
		for _, p := range legal {
			if p[0] == from && p[1] == to {
				return true
			}
		}
		return false
	}

	all := []store.SessionStatus{
		store.SessionRecording, store.SessionPaused, store.SessionStopped,
		store.SessionProcessing, store.SessionCompleted, store.SessionFailed,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, isLegal(from, to), CanTransition(from, to),
				"%s -> %s", from, to)
		}
	}
}

func TestAcceptsChunks(t *testing.T) {
	now := time.Now()
	svc, _ := newTestService(t, WithClock(func() time.Time { return now }), WithGrace(30*time.Second))

	recent := now.Add(-10 * time.Second)
	stale := now.Add(-5 * time.Minute)

	cases := []struct {
		name   string
		sess   store.Session
		accept bool
	}{
		{"recording", store.Session{Status: store.SessionRecording}, true},
		{"paused", store.Session{Status: store.SessionPaused}, true},
		{"stopped within grace", store.Session{Status: store.SessionStopped, EndedAt: &recent}, true},
		{"completed within grace", store.Session{Status: store.SessionCompleted, EndedAt: &recent}, true},
		{"stopped past grace", store.Session{Status: store.SessionStopped, EndedAt: &stale}, false},
		{"completed past grace", store.Session{Status: store.SessionCompleted, EndedAt: &stale}, false},
		{"failed", store.Session{Status: store.SessionFailed, EndedAt: &recent}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.AcceptsChunks(&tc.sess)
			if tc.accept {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNotAcceptingChunks)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	svc, st := newTestService(t)
	sess, err := svc.Start("u1", "", "standup")
	require.NoError(t, err)

	for seq := 0; seq < 4; seq++ {
		c := &store.Chunk{SessionID: sess.ID, Seq: seq, BlobKey: "k", Status: store.ChunkUploaded}
		require.NoError(t, st.InsertChunk(c))
		switch seq {
		case 0:
			require.NoError(t, st.MarkChunkTranscribed(c.ID, "hello", "Speaker 1", 0.9, 5))
		case 1:
			require.NoError(t, st.MarkChunkProcessing(c.ID))
		case 2:
			require.NoError(t, st.MarkChunkFailed(c.ID))
		}
	}

	p, err := svc.Progress("u1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 1, p.Uploaded)
	assert.Equal(t, 1, p.Processing)
	assert.Equal(t, 1, p.Transcribed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 2, p.Pending)
	assert.InDelta(t, 50.0, p.Percent, 0.001)
	assert.Equal(t, string(store.SessionRecording), p.Status)
}

func TestProgressEmptySession(t *testing.T) {
	svc, _ := newTestService(t)
	sess, err := svc.Start("u1", "", "standup")
	require.NoError(t, err)

	p, err := svc.Progress("u1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Total)
	assert.Equal(t, 0.0, p.Percent)
}
