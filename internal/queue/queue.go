// Package queue runs typed jobs with bounded concurrency, FIFO dispatch,
// and capped exponential-backoff retry. Jobs that exhaust their attempts
// land on a bounded dead list from which an operator can bulk-requeue them.
package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotStarted is returned when jobs are enqueued before Start.
	ErrNotStarted = errors.New("queue not started")
	// ErrStopped is returned when jobs are enqueued after Stop.
	ErrStopped = errors.New("queue stopped")
)

// Status is a job's lifecycle state. A job is in exactly one state at a time.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// Job wraps a payload with retry bookkeeping. Jobs live only in memory.
type Job[T any] struct {
	ID          string
	Payload     T
	Status      Status
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	CompletedAt time.Time
	LastErr     string
}

// Handler processes one job payload. A nil return completes the job; an
// error requeues it with backoff until attempts are exhausted.
type Handler[T any] func(ctx context.Context, payload T) error

// Config holds queue tuning. Zero values fall back to defaults.
type Config[T any] struct {
	Workers     int           // simultaneous jobs, default 3
	MaxAttempts int           // total attempts per job, default 3
	BaseDelay   time.Duration // first retry delay, default 1s
	Multiplier  float64       // backoff multiplier, default 2
	MaxDelay    time.Duration // backoff cap, default 30s
	DeadLimit   int           // dead list bound, default 1000
	DoneLimit   int           // completed list bound, default 1000

	// OnDead fires after a job exhausts its attempts, as it is archived
	// on the dead list.
	OnDead func(payload T, lastErr error)
	// OnDone fires after a job completes successfully.
	OnDone func(payload T, latency time.Duration)
	// OnRetry fires each time a failed job is scheduled for another
	// attempt, with the attempt number that just failed.
	OnRetry func(payload T, attempt int, err error)
}

func (c *Config[T]) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.DeadLimit <= 0 {
		c.DeadLimit = 1000
	}
	if c.DoneLimit <= 0 {
		c.DoneLimit = 1000
	}
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Pending   int
	InFlight  int
	Completed int
	Dead      int
}

// Queue dispatches jobs FIFO to at most Workers concurrent handlers.
type Queue[T any] struct {
	cfg     Config[T]
	handler Handler[T]
	sem     *semaphore.Weighted

	mu        sync.Mutex
	pending   []*Job[T]
	inFlight  map[string]*Job[T]
	completed []*Job[T]
	dead      []*Job[T]
	started   bool
	stopped   bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue that feeds handler.
func New[T any](cfg Config[T], handler Handler[T]) *Queue[T] {
	cfg.applyDefaults()
	return &Queue[T]{
		cfg:      cfg,
		handler:  handler,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		inFlight: make(map[string]*Job[T]),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. It returns immediately.
func (q *Queue[T]) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.dispatch(ctx)
}

// Stop cancels dispatch and waits for in-flight handlers to return.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
}

// Enqueue appends a job and returns its generated ID.
func (q *Queue[T]) Enqueue(payload T) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return "", ErrNotStarted
	}
	if q.stopped {
		return "", ErrStopped
	}

	job := &Job[T]{
		ID:          uuid.NewString(),
		Payload:     payload,
		Status:      StatusQueued,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	q.pending = append(q.pending, job)
	q.signal()
	return job.ID, nil
}

// RetryDead moves every dead job back onto the queue with a fresh attempt
// budget. This is the explicit operator-triggered bulk retry; the queue
// never does it on its own.
func (q *Queue[T]) RetryDead() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || len(q.dead) == 0 {
		return 0
	}

	n := len(q.dead)
	for _, job := range q.dead {
		job.Status = StatusQueued
		job.Attempts = 0
		job.LastErr = ""
		q.pending = append(q.pending, job)
	}
	q.dead = nil
	q.signal()
	return n
}

// Dead returns a snapshot of the dead list.
func (q *Queue[T]) Dead() []Job[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job[T], 0, len(q.dead))
	for _, j := range q.dead {
		out = append(out, *j)
	}
	return out
}

// Stats returns current queue depth.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   len(q.pending),
		InFlight:  len(q.inFlight),
		Completed: len(q.completed),
		Dead:      len(q.dead),
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) dispatch(ctx context.Context) {
	defer q.wg.Done()
	for {
		job := q.popPending()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}

		q.mu.Lock()
		job.Status = StatusInFlight
		job.Attempts++
		q.inFlight[job.ID] = job
		q.mu.Unlock()

		q.wg.Add(1)
		go q.run(ctx, job)
	}
}

func (q *Queue[T]) popPending() *Job[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job
}

func (q *Queue[T]) run(ctx context.Context, job *Job[T]) {
	defer q.wg.Done()
	defer q.sem.Release(1)

	start := time.Now()
	err := q.handler(ctx, job.Payload)
	if err == nil {
		q.complete(job, time.Since(start))
		return
	}

	q.mu.Lock()
	delete(q.inFlight, job.ID)
	job.LastErr = err.Error()
	if job.Attempts >= job.MaxAttempts {
		q.markDeadLocked(job, err)
		q.mu.Unlock()
		return
	}
	job.Status = StatusQueued
	q.mu.Unlock()

	if q.cfg.OnRetry != nil {
		q.cfg.OnRetry(job.Payload, job.Attempts, err)
	}

	delay := q.backoff(job.Attempts)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		q.requeue(job)
	}()
}

func (q *Queue[T]) complete(job *Job[T], latency time.Duration) {
	q.mu.Lock()
	delete(q.inFlight, job.ID)
	job.Status = StatusCompleted
	job.CompletedAt = time.Now()
	q.completed = append(q.completed, job)
	if len(q.completed) > q.cfg.DoneLimit {
		q.completed = q.completed[len(q.completed)-q.cfg.DoneLimit:]
	}
	onDone := q.cfg.OnDone
	q.mu.Unlock()

	if onDone != nil {
		onDone(job.Payload, latency)
	}
}

func (q *Queue[T]) markDeadLocked(job *Job[T], err error) {
	job.Status = StatusDead
	job.CompletedAt = time.Now()
	q.dead = append(q.dead, job)
	if len(q.dead) > q.cfg.DeadLimit {
		q.dead = q.dead[len(q.dead)-q.cfg.DeadLimit:]
	}
	if q.cfg.OnDead != nil {
		// Fired on a fresh goroutine so a slow hook cannot stall a worker
		// holding q.mu.
		payload, lastErr := job.Payload, err
		go q.cfg.OnDead(payload, lastErr)
	}
}

func (q *Queue[T]) requeue(job *Job[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	job.Status = StatusQueued
	q.pending = append(q.pending, job)
	q.signal()
}

// backoff returns the delay before the attempt after failedAttempts:
// min(base * multiplier^(attempt-1), cap).
func (q *Queue[T]) backoff(failedAttempts int) time.Duration {
	d := float64(q.cfg.BaseDelay) * math.Pow(q.cfg.Multiplier, float64(failedAttempts-1))
	if d > float64(q.cfg.MaxDelay) {
		return q.cfg.MaxDelay
	}
	return time.Duration(d)
}
