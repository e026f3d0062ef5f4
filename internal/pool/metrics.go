package pool

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Metrics tracks counters for a Pool: spawns, reaps, dispatches, and a
// rolling latency sample used for max_request_time overrun diagnostics.
type Metrics struct {
	spawned          atomic.Uint64
	spawnFailures    atomic.Uint64
	reaped           atomic.Uint64
	dead             atomic.Uint64
	dispatched       atomic.Uint64
	dispatchFailures atomic.Uint64
	admissionRejects atomic.Uint64

	latencyMu    sync.RWMutex
	latencies    []time.Duration
	maxLatencies int
}

// NewMetrics constructs an empty Metrics, keeping the last 10k request
// latencies for percentile estimation.
func NewMetrics() *Metrics {
	return &Metrics{
		maxLatencies: 10000,
		latencies:    make([]time.Duration, 0, 1024),
	}
}

// RecordLatency records one request's total wall time.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if len(m.latencies) >= m.maxLatencies {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

// Percentile returns an estimate of the pth percentile (0-100) latency.
func (m *Metrics) Percentile(p float64) time.Duration {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(float64(len(sorted)-1) * p / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	Spawned          uint64
	SpawnFailures    uint64
	Reaped           uint64
	Dead             uint64
	Dispatched       uint64
	DispatchFailures uint64
	AdmissionRejects uint64
	LatencyP50       time.Duration
	LatencyP95       time.Duration
	LatencyP99       time.Duration
	Timestamp        time.Time
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Spawned:          m.spawned.Load(),
		SpawnFailures:    m.spawnFailures.Load(),
		Reaped:           m.reaped.Load(),
		Dead:             m.dead.Load(),
		Dispatched:       m.dispatched.Load(),
		DispatchFailures: m.dispatchFailures.Load(),
		AdmissionRejects: m.admissionRejects.Load(),
		LatencyP50:       m.Percentile(50),
		LatencyP95:       m.Percentile(95),
		LatencyP99:       m.Percentile(99),
		Timestamp:        time.Now(),
	}
}
