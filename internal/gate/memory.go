package gate

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// MemorySampler reports process memory usage as a fraction of a configured
// budget. It samples runtime.MemStats in the background so the gate's
// CanAccept stays O(1) with no stop-the-world read on the hot path.
type MemorySampler struct {
	budgetBytes uint64
	interval    time.Duration
	used        atomic.Uint64 // fraction * 1e6
}

// NewMemorySampler creates a sampler against budgetBytes, refreshing every
// interval.
func NewMemorySampler(budgetBytes uint64, interval time.Duration) *MemorySampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &MemorySampler{budgetBytes: budgetBytes, interval: interval}
	s.sample()
	return s
}

// Start refreshes the sample until ctx is cancelled.
func (s *MemorySampler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// UsedFraction returns the most recent usage fraction (0..1+).
func (s *MemorySampler) UsedFraction() float64 {
	return float64(s.used.Load()) / 1e6
}

func (s *MemorySampler) sample() {
	if s.budgetBytes == 0 {
		s.used.Store(0)
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	frac := float64(ms.HeapAlloc) / float64(s.budgetBytes)
	s.used.Store(uint64(frac * 1e6))
}
