// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the service metrics on a private registry so tests
// can build as many as they like without default-registry collisions.
type Collector struct {
	registry *prometheus.Registry

	chunksAccepted  prometheus.Counter
	chunksDuplicate prometheus.Counter
	chunksRejected  *prometheus.CounterVec

	jobsCompleted prometheus.Counter
	jobsRetried   prometheus.Counter
	jobsDead      prometheus.Counter
	jobLatency    prometheus.Histogram

	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge

	sessionsStarted   prometheus.Counter
	sessionsCompleted prometheus.Counter
	sessionsFailed    prometheus.Counter
}

// NewCollector builds and registers all service metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		chunksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minutesd_chunks_accepted_total",
			Help: "Total number of chunk submissions accepted",
		}),
		chunksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minutesd_chunks_duplicate_total",
			Help: "Total number of duplicate chunk submissions acknowledged",
		}),
		chunksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minutesd_chunks_rejected_total",
			Help: "Total number of chunk submissions rejected, by reason",
		}, []string{"reason"}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minutesd_jobs_completed_total",
			Help: "Total number of transcription jobs completed successfully",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minutesd_jobs_retried_total",
			Help: "Total number of transcription job retries",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minutesd_jobs_dead_total",
			Help: "Total number of transcription jobs that exhausted retries",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "minutesd_job_latency_seconds",
			Help:    "Transcription job processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "minutesd_jobs_pending",
			Help: "Current number of queued transcription jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "minutesd_jobs_in_flight",
			Help: "Current number of in-flight transcription jobs",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minutesd_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minutesd_sessions_completed_total",
			Help: "Total number of sessions finalized successfully",
		}),
		sessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minutesd_sessions_failed_total",
			Help: "Total number of sessions that ended in failure",
		}),
	}

	c.registry.MustRegister(
		c.chunksAccepted, c.chunksDuplicate, c.chunksRejected,
		c.jobsCompleted, c.jobsRetried, c.jobsDead, c.jobLatency,
		c.jobsPending, c.jobsInFlight,
		c.sessionsStarted, c.sessionsCompleted, c.sessionsFailed,
		collectors.NewGoCollector(),
	)
	return c
}

// RecordChunkAccepted counts an admitted submission; duplicate marks
// the idempotent-acknowledgment path.
func (c *Collector) RecordChunkAccepted(duplicate bool) {
	if duplicate {
		c.chunksDuplicate.Inc()
		return
	}
	c.chunksAccepted.Inc()
}

// RecordChunkRejected counts a rejected submission by reason.
func (c *Collector) RecordChunkRejected(reason string) {
	c.chunksRejected.WithLabelValues(reason).Inc()
}

// RecordJobCompleted counts a finished job and its latency.
func (c *Collector) RecordJobCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordJobRetried counts a job requeue.
func (c *Collector) RecordJobRetried() {
	c.jobsRetried.Inc()
}

// RecordJobDead counts a job that exhausted its attempts.
func (c *Collector) RecordJobDead() {
	c.jobsDead.Inc()
}

// SetQueueDepth publishes the queue's current depth gauges.
func (c *Collector) SetQueueDepth(pending, inFlight int) {
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// RecordSessionStarted counts a session start.
func (c *Collector) RecordSessionStarted() {
	c.sessionsStarted.Inc()
}

// RecordSessionCompleted counts a successful finalization.
func (c *Collector) RecordSessionCompleted() {
	c.sessionsCompleted.Inc()
}

// RecordSessionFailed counts a failed finalization.
func (c *Collector) RecordSessionFailed() {
	c.sessionsFailed.Inc()
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
