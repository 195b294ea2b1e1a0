package gate

import "sync"

// LimitStore holds the gate's counters keyed by connection, session, or
// window identifiers. The interface exists so a multi-instance deployment
// can back it with a shared store; the core logic never assumes in-process
// affinity.
type LimitStore interface {
	// Get returns the counter value, zero if absent.
	Get(key string) int64
	// Incr adds delta to the counter and returns the new value. A counter
	// that reaches zero or below is removed.
	Incr(key string, delta int64) int64
	// Delete removes the counter.
	Delete(key string)
}

// MemoryLimitStore is the in-process LimitStore used by single-instance
// deployments and tests.
type MemoryLimitStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMemoryLimitStore creates an empty in-process limit store.
func NewMemoryLimitStore() *MemoryLimitStore {
	return &MemoryLimitStore{counters: make(map[string]int64)}
}

func (m *MemoryLimitStore) Get(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

func (m *MemoryLimitStore) Incr(key string, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.counters[key] + delta
	if v <= 0 {
		delete(m.counters, key)
		return 0
	}
	m.counters[key] = v
	return v
}

func (m *MemoryLimitStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
}

var _ LimitStore = (*MemoryLimitStore)(nil)
