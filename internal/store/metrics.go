package store

import (
	"sync"
	"time"
)

// slowQueryThreshold marks a query as slow enough to retain.
const slowQueryThreshold = time.Second

// slowQueryCapacity bounds the retained slow-query ring.
const slowQueryCapacity = 100

// SlowQuery is one retained slow query.
type SlowQuery struct {
	Query    string        `json:"query"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// Metrics counts every query a store runs and retains the most recent slow
// ones. Both backends call Observe from a defer around each operation.
type Metrics struct {
	mu        sync.Mutex
	queries   int64
	totalTime time.Duration
	slow      []SlowQuery
}

// NewMetrics returns an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Observe records one completed query.
func (m *Metrics) Observe(query string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	m.totalTime += d
	if d > slowQueryThreshold {
		m.slow = append(m.slow, SlowQuery{Query: query, Duration: d, At: time.Now().UTC()})
		if len(m.slow) > slowQueryCapacity {
			m.slow = m.slow[len(m.slow)-slowQueryCapacity:]
		}
	}
}

// Snapshot returns current counters and a copy of the slow-query ring.
func (m *Metrics) Snapshot() (queries int64, total time.Duration, slow []SlowQuery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slow = make([]SlowQuery, len(m.slow))
	copy(slow, m.slow)
	return m.queries, m.totalTime, slow
}
