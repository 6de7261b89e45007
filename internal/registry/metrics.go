package registry

import (
	"sync"
	"time"
)

// emaAlpha is the smoothing factor used for both the success-rate and
// response-time exponential moving averages.
const emaAlpha = 0.1

// PeerMetrics tracks per-peer send/receive outcomes and derives a
// reliability score used to rank peers for adaptive fan-out.
type PeerMetrics struct {
	mu sync.RWMutex

	totalOperations      int64
	successfulOperations int64
	totalResponseTimeMS  int64
	lastOperationTime    time.Time
	consecutiveFailures  int

	successRate     float64 // EMA, starts optimistic at 1.0
	responseTimeMS  float64 // EMA
	initialized     bool
}

// NewPeerMetrics returns a metrics tracker with an optimistic prior: a peer
// with no history yet is assumed reliable until proven otherwise.
func NewPeerMetrics() *PeerMetrics {
	return &PeerMetrics{successRate: 1.0}
}

// RecordSuccess records a successful send or any inbound receipt; receives
// always count as success.
func (m *PeerMetrics) RecordSuccess(responseTime time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalOperations++
	m.successfulOperations++
	m.totalResponseTimeMS += responseTime.Milliseconds()
	m.lastOperationTime = now
	m.consecutiveFailures = 0

	m.updateEMA(1.0, float64(responseTime.Milliseconds()))
}

// RecordFailure records a failed send to this peer.
func (m *PeerMetrics) RecordFailure(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalOperations++
	m.lastOperationTime = now
	m.consecutiveFailures++

	m.updateEMA(0.0, m.responseTimeMS)
}

// updateEMA folds one sample into the smoothed rates. The success-rate EMA
// starts from the optimistic prior of 1.0, so a lone early failure cannot
// instantly drag a new peer below the eviction threshold; the response-time
// EMA is seeded from the first observed sample instead, since a zero prior
// would misrepresent every real latency.
func (m *PeerMetrics) updateEMA(successSample, responseTimeSample float64) {
	m.successRate = emaAlpha*successSample + (1-emaAlpha)*m.successRate
	if !m.initialized {
		m.responseTimeMS = responseTimeSample
		m.initialized = true
		return
	}
	m.responseTimeMS = emaAlpha*responseTimeSample + (1-emaAlpha)*m.responseTimeMS
}

// ReliabilityScore combines the smoothed success rate with penalties for
// response time (up to 30%) and consecutive failures (up to 50%).
func (m *PeerMetrics) ReliabilityScore() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reliabilityScoreLocked()
}

func (m *PeerMetrics) reliabilityScoreLocked() float64 {
	rtPenalty := 1 - 0.3*minF(1, m.responseTimeMS/1000)
	failurePenalty := 1 - 0.5*minF(1, float64(m.consecutiveFailures)/10)
	return m.successRate * rtPenalty * failurePenalty
}

// IsHealthy reports whether this peer is still considered usable: at most
// 5 consecutive failures, success rate ≥ 0.5, and not "all attempts
// failed" (zero successes after more than 3 attempts).
func (m *PeerMetrics) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.consecutiveFailures > 5 {
		return false
	}
	if m.successRate < 0.5 {
		return false
	}
	if m.successfulOperations == 0 && m.totalOperations > 3 {
		return false
	}
	return true
}

// ShouldEvict reports the stricter unhealthy thresholds used by
// GossipTransport to drop a peer from its active set: 5+ consecutive
// failures, success rate < 0.5, or more than 3 attempts with zero
// successes.
func (m *PeerMetrics) ShouldEvict() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.consecutiveFailures >= 5 {
		return true
	}
	if m.successRate < 0.5 {
		return true
	}
	if m.totalOperations > 3 && m.successfulOperations == 0 {
		return true
	}
	return false
}

// AvgResponseTimeMS returns the smoothed response time, used as a
// tie-breaker when ranking peers of equal reliability.
func (m *PeerMetrics) AvgResponseTimeMS() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.responseTimeMS
}

// ConsecutiveFailures reports the current streak of failed sends.
func (m *PeerMetrics) ConsecutiveFailures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveFailures
}

// PeerMetricsSnapshot is a read-only copy of one peer's counters, consumed
// by Node.Statistics.
type PeerMetricsSnapshot struct {
	TotalOperations      int64
	SuccessfulOperations int64
	ConsecutiveFailures  int
	SuccessRate          float64
	ResponseTimeMS       float64
	ReliabilityScore     float64
	LastOperationTime    time.Time
}

func (m *PeerMetrics) Snapshot() PeerMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return PeerMetricsSnapshot{
		TotalOperations:      m.totalOperations,
		SuccessfulOperations: m.successfulOperations,
		ConsecutiveFailures:  m.consecutiveFailures,
		SuccessRate:          m.successRate,
		ResponseTimeMS:       m.responseTimeMS,
		ReliabilityScore:     m.reliabilityScoreLocked(),
		LastOperationTime:    m.lastOperationTime,
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
