package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExposesRecordedMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordChunkAccepted(false)
	c.RecordChunkAccepted(true)
	c.RecordChunkRejected("rate_limited")
	c.RecordJobCompleted(0.25)
	c.RecordJobDead()
	c.SetQueueDepth(4, 2)
	c.RecordSessionStarted()
	c.RecordSessionCompleted()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "minutesd_chunks_accepted_total 1")
	assert.Contains(t, out, "minutesd_chunks_duplicate_total 1")
	assert.Contains(t, out, `minutesd_chunks_rejected_total{reason="rate_limited"} 1`)
	assert.Contains(t, out, "minutesd_jobs_completed_total 1")
	assert.Contains(t, out, "minutesd_jobs_dead_total 1")
	assert.Contains(t, out, "minutesd_jobs_pending 4")
	assert.Contains(t, out, "minutesd_jobs_in_flight 2")
	assert.Contains(t, out, "minutesd_sessions_started_total 1")
	assert.Contains(t, out, "minutesd_sessions_completed_total 1")
}

func TestCollectorsAreIndependent(t *testing.T) {
	// Two collectors must not collide on a shared registry.
	a := NewCollector()
	b := NewCollector()
	a.RecordSessionStarted()
	_ = b
}
