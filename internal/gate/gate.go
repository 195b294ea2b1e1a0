// Package gate applies backpressure and rate limits to incoming chunk
// submissions before any I/O happens. Rejections here are flow-control
// signals the client is expected to back off on, not errors.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBackpressure signals the connection has too many chunks in flight
	// or the process is low on memory. Retry later.
	ErrBackpressure = errors.New("backpressure: retry later")
	// ErrRateLimited signals the session exceeded its chunk-rate window.
	ErrRateLimited = errors.New("chunk rate limit exceeded")
	// ErrTooManySessions signals the user's concurrent-session ceiling.
	ErrTooManySessions = errors.New("too many concurrent sessions")
	// ErrSessionQuota signals the user's rolling 24h session quota.
	ErrSessionQuota = errors.New("session quota exhausted")
)

// Config holds admission thresholds. These are deployment tuning knobs, not
// fixed constants; defaults match a single mid-size instance.
type Config struct {
	MaxInFlightPerConn    int
	MemoryHighWater       float64 // used fraction at which submissions are rejected
	MaxConcurrentSessions int     // per user
	MaxSessionsPer24h     int     // per user
	ChunksPerHour         int     // per session
}

// DefaultConfig returns the default admission thresholds.
func DefaultConfig() Config {
	return Config{
		MaxInFlightPerConn:    10,
		MemoryHighWater:       0.98,
		MaxConcurrentSessions: 2,
		MaxSessionsPer24h:     10,
		ChunksPerHour:         150,
	}
}

// Release returns a connection's in-flight slot. It must be called exactly
// once per successful Admit, on every exit path; calling it more than once
// is a no-op.
type Release func()

// Gate is the chunk admission gate. All checks are O(1) over the LimitStore;
// no I/O happens here.
type Gate struct {
	cfg     Config
	limits  LimitStore
	memUsed func() float64
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithMemoryUsage overrides the memory usage probe, for tests.
func WithMemoryUsage(f func() float64) Option {
	return func(g *Gate) { g.memUsed = f }
}

// New creates a Gate over the given limit store.
func New(cfg Config, limits LimitStore, opts ...Option) *Gate {
	g := &Gate{
		cfg:     cfg,
		limits:  limits,
		memUsed: func() float64 { return 0 },
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// CanAccept reports whether a chunk from this connection would currently be
// admitted. It performs no state changes.
func (g *Gate) CanAccept(connID string) bool {
	if g.memUsed() >= g.cfg.MemoryHighWater {
		return false
	}
	return g.limits.Get(inflightKey(connID)) < int64(g.cfg.MaxInFlightPerConn)
}

// Admit reserves an in-flight slot for the connection. The returned Release
// must be called exactly once when the submission finishes, whether it
// succeeded or failed; an unreleased slot leaks capacity permanently.
//
// The slot is taken by incrementing first and backing out on overshoot, so
// the ceiling holds under concurrent submissions; a read-then-increment
// would let every racer pass the same check.
func (g *Gate) Admit(connID string) (Release, error) {
	if g.memUsed() >= g.cfg.MemoryHighWater {
		return nil, ErrBackpressure
	}
	key := inflightKey(connID)
	if g.limits.Incr(key, 1) > int64(g.cfg.MaxInFlightPerConn) {
		g.limits.Incr(key, -1)
		return nil, ErrBackpressure
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.limits.Incr(key, -1) })
	}, nil
}

// InFlight returns the connection's current in-flight count.
func (g *Gate) InFlight(connID string) int {
	return int(g.limits.Get(inflightKey(connID)))
}

// AllowChunk applies the per-session chunk-rate limit and, when allowed,
// counts the chunk against the current window. The limit is a sliding
// fixed window: the previous hour bucket contributes proportionally to its
// remaining overlap with the trailing hour.
func (g *Gate) AllowChunk(sessionID string) error {
	now := g.now()
	cur := now.Truncate(time.Hour)
	prev := cur.Add(-time.Hour)

	curKey := rateKey(sessionID, cur)
	prevKey := rateKey(sessionID, prev)

	curN := g.limits.Get(curKey)
	prevN := g.limits.Get(prevKey)

	overlap := 1 - float64(now.Sub(cur))/float64(time.Hour)
	estimate := float64(curN) + float64(prevN)*overlap
	if estimate >= float64(g.cfg.ChunksPerHour) {
		return ErrRateLimited
	}

	g.limits.Incr(curKey, 1)
	// Buckets older than the previous window are dead weight.
	g.limits.Delete(rateKey(sessionID, prev.Add(-time.Hour)))
	return nil
}

// CheckSessionStart validates the per-user session limits at session-start
// time. The caller supplies the counts from the persistent store.
func (g *Gate) CheckSessionStart(activeSessions, startedLast24h int) error {
	if activeSessions >= g.cfg.MaxConcurrentSessions {
		return ErrTooManySessions
	}
	if startedLast24h >= g.cfg.MaxSessionsPer24h {
		return ErrSessionQuota
	}
	return nil
}

// FlowControl reports whether err is an expected flow-control rejection
// rather than a real failure.
func FlowControl(err error) bool {
	return errors.Is(err, ErrBackpressure) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTooManySessions) ||
		errors.Is(err, ErrSessionQuota)
}

func inflightKey(connID string) string {
	return "inflight:" + connID
}

func rateKey(sessionID string, window time.Time) string {
	return fmt.Sprintf("rate:%s:%d", sessionID, window.Unix())
}
