package archive

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minutesd/minutesd/internal/aggregate"
	"github.com/minutesd/minutesd/internal/store"
	"github.com/minutesd/minutesd/internal/summarize"
)

func TestWriteAndRead(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	ended := time.Now().UTC().Truncate(time.Millisecond)
	sess := &store.Session{
		ID:        "s1",
		UserID:    "u1",
		Title:     "standup",
		Status:    store.SessionCompleted,
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   &ended,
	}
	result := aggregate.Result{
		Text: "hello world",
		Segments: []aggregate.Segment{
			{Seq: 0, StartSec: 0, EndSec: 5, Speaker: "Speaker 1", Text: "hello world"},
		},
		WordCount:   2,
		DurationSec: 5,
	}
	summary := &summarize.Summary{ExecutiveSummary: "greeting", KeyPoints: []string{}}

	path, err := w.Write(sess, result, summary)
	require.NoError(t, err)
	assert.FileExists(t, path)

	doc, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.SessionID)
	assert.Equal(t, "hello world", doc.Transcript)
	require.Len(t, doc.Segments, 1)
	assert.Equal(t, "Speaker 1", doc.Segments[0].Speaker)
	require.NotNil(t, doc.Summary)
	assert.Equal(t, "greeting", doc.Summary.ExecutiveSummary)

	// zstd frame, not plain JSON.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 4)
	assert.Equal(t, []byte{0x28, 0xb5, 0x2f, 0xfd}, raw[:4])
}

func TestWriteOverwritesPrevious(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	sess := &store.Session{ID: "s1", Status: store.SessionCompleted}
	_, err = w.Write(sess, aggregate.Result{Text: "first"}, nil)
	require.NoError(t, err)
	path, err := w.Write(sess, aggregate.Result{Text: "second"}, nil)
	require.NoError(t, err)

	doc, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "second", doc.Transcript)
	assert.Nil(t, doc.Summary)
}
