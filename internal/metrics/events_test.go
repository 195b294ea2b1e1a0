package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minutesd/minutesd/internal/notify"
)

type capturePublisher struct {
	events []notify.Event
}

func (p *capturePublisher) Publish(ev notify.Event) {
	p.events = append(p.events, ev)
}

func TestInstrumentedPublisherCountsSessionOutcomes(t *testing.T) {
	c := NewCollector()
	next := &capturePublisher{}
	pub := InstrumentedPublisher{Next: next, Collector: c}

	pub.Publish(notify.NewEvent(notify.EventSessionCompleted, "sess-1", nil))
	pub.Publish(notify.NewEvent(notify.EventSessionFailed, "sess-2", nil))
	pub.Publish(notify.NewEvent(notify.EventSessionFailed, "sess-3", nil))
	pub.Publish(notify.NewEvent(notify.EventChunkTranscribed, "sess-1", nil))

	// Every event reaches the wrapped publisher, counted or not.
	require.Len(t, next.events, 4)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "minutesd_sessions_completed_total 1")
	assert.Contains(t, out, "minutesd_sessions_failed_total 2")
}
