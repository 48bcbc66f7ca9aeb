package health

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Minute, nil)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", cb.State())
	}
	if !cb.Allow() {
		t.Error("closed breaker must allow dispatch")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker must refuse dispatch")
	}
}

func TestBreakerAdmitsAfterOpenTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("test", 1, 10*time.Minute, nil)
	cb.SetClock(clock)

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("freshly opened breaker must refuse dispatch")
	}

	clock.Advance(9 * time.Minute)
	if cb.Allow() {
		t.Error("breaker must stay closed to dispatch before the timeout")
	}

	clock.Advance(2 * time.Minute)
	if !cb.Allow() {
		t.Error("breaker must admit dispatch after the open timeout")
	}
	// Allow must not change the state; that is the probe path's job.
	if cb.State() != StateOpen {
		t.Errorf("Allow() changed state to %v", cb.State())
	}
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("test", 1, time.Minute, nil)
	cb.SetClock(clock)

	cb.RecordFailure()
	if cb.AllowProbe() {
		t.Fatal("open breaker must refuse probes before the timeout")
	}

	clock.Advance(2 * time.Minute)
	if !cb.AllowProbe() {
		t.Fatal("expired breaker must admit a probe")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after probe admission = %v, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("state after half-open success = %v, want closed", cb.State())
	}
	if cb.FailureCount() != 0 {
		t.Errorf("failure count after success = %d, want 0", cb.FailureCount())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("test", 1, time.Minute, nil)
	cb.SetClock(clock)

	cb.RecordFailure()
	clock.Advance(2 * time.Minute)
	if !cb.AllowProbe() {
		t.Fatal("expired breaker must admit a probe")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("state after half-open failure = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("reopened breaker must refuse dispatch for another timeout")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 5, time.Minute, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()

	// Four consecutive failures after the reset, below the threshold.
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	if cb.FailureCount() != 4 {
		t.Errorf("failure count = %d, want 4", cb.FailureCount())
	}
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker("test", 0, 0, nil)
	if cb.threshold != 5 {
		t.Errorf("default threshold = %d, want 5", cb.threshold)
	}
	if cb.openTimeout != 10*time.Minute {
		t.Errorf("default open timeout = %v, want 10m", cb.openTimeout)
	}
}
