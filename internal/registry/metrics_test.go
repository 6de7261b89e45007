package registry

import (
	"testing"
	"time"
)

func TestNewPeerMetricsStartsOptimistic(t *testing.T) {
	m := NewPeerMetrics()
	if !m.IsHealthy() {
		t.Fatal("a peer with no history should be considered healthy")
	}
	if m.ReliabilityScore() != 1.0 {
		t.Fatalf("expected reliability score 1.0 for fresh metrics, got %v", m.ReliabilityScore())
	}
}

func TestRecordFailureIncrementsConsecutiveFailures(t *testing.T) {
	m := NewPeerMetrics()
	now := time.Now()
	m.RecordFailure(now)
	m.RecordFailure(now)
	if m.ConsecutiveFailures() != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", m.ConsecutiveFailures())
	}
}

func TestRecordSuccessResetsConsecutiveFailures(t *testing.T) {
	m := NewPeerMetrics()
	now := time.Now()
	m.RecordFailure(now)
	m.RecordFailure(now)
	m.RecordSuccess(10*time.Millisecond, now)
	if m.ConsecutiveFailures() != 0 {
		t.Fatalf("expected consecutive failures reset to 0, got %d", m.ConsecutiveFailures())
	}
}

func TestShouldEvictAfterFiveConsecutiveFailures(t *testing.T) {
	m := NewPeerMetrics()
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordFailure(now)
	}
	if !m.ShouldEvict() {
		t.Fatal("expected eviction after 5 consecutive failures")
	}
}

func TestShouldEvictWhenAllAttemptsFail(t *testing.T) {
	m := NewPeerMetrics()
	now := time.Now()
	// 4 failures with 0 successes, but reset consecutive count in between
	// to isolate the "zero successes after >3 attempts" rule.
	m.RecordFailure(now)
	m.totalOperations = 4
	m.successfulOperations = 0
	m.consecutiveFailures = 1
	if !m.ShouldEvict() {
		t.Fatal("expected eviction when more than 3 attempts produced zero successes")
	}
}

func TestReliabilityScorePenalizesResponseTimeAndFailures(t *testing.T) {
	fast := NewPeerMetrics()
	fast.RecordSuccess(10*time.Millisecond, time.Now())

	slow := NewPeerMetrics()
	slow.RecordSuccess(2*time.Second, time.Now())

	if slow.ReliabilityScore() >= fast.ReliabilityScore() {
		t.Fatalf("slow peer should score lower: slow=%v fast=%v", slow.ReliabilityScore(), fast.ReliabilityScore())
	}
}

func TestIsHealthyFalseBelowSuccessRateThreshold(t *testing.T) {
	m := NewPeerMetrics()
	now := time.Now()
	for i := 0; i < 20; i++ {
		m.RecordFailure(now)
		m.RecordSuccess(0, now) // keep resetting consecutive-failure streak
	}
	// Force a low smoothed success rate directly to exercise the threshold
	// independent of the EMA convergence rate.
	m.mu.Lock()
	m.successRate = 0.2
	m.mu.Unlock()
	if m.IsHealthy() {
		t.Fatal("expected unhealthy peer below success-rate threshold")
	}
}
