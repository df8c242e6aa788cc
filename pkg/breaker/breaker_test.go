package breaker

import (
	"testing"
	"time"
)

func TestTransitionClosedAccumulatesFailuresThenOpens(t *testing.T) {
	cfg := Config{FailureThreshold: 3, OpenDurationMs: 1000, HalfOpenSuccessThreshold: 2}
	now := time.Now()

	h := Health{State: Closed}
	h = Transition(h, EventFailure, now, cfg, "boom")
	if h.State != Closed || h.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected state after 1 failure: %+v", h)
	}
	h = Transition(h, EventFailure, now, cfg, "boom")
	if h.State != Closed || h.ConsecutiveFailures != 2 {
		t.Fatalf("unexpected state after 2 failures: %+v", h)
	}
	h = Transition(h, EventFailure, now, cfg, "boom")
	if h.State != Open {
		t.Fatalf("expected OPEN at failure threshold, got %+v", h)
	}
	if h.OpenedAt.IsZero() {
		t.Fatal("expected openedAt to be set")
	}
}

func TestTransitionSuccessResetsConsecutiveFailures(t *testing.T) {
	cfg := Config{FailureThreshold: 3, OpenDurationMs: 1000, HalfOpenSuccessThreshold: 1}
	now := time.Now()

	h := Health{State: Closed, ConsecutiveFailures: 2}
	h = Transition(h, EventSuccess, now, cfg, "")
	if h.State != Closed || h.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset on success, got %+v", h)
	}
}

func TestOpenRejectsUntilDurationElapsed(t *testing.T) {
	cfg := Config{FailureThreshold: 1, OpenDurationMs: 1000, HalfOpenSuccessThreshold: 1}
	openedAt := time.Now()
	h := Health{State: Open, OpenedAt: openedAt}

	if h.Permits(openedAt.Add(500*time.Millisecond), cfg) {
		t.Fatal("expected rejection before open duration elapses")
	}
	if !h.Permits(openedAt.Add(1100*time.Millisecond), cfg) {
		t.Fatal("expected a probe call to be permitted after open duration elapses")
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 1, OpenDurationMs: 1000, HalfOpenSuccessThreshold: 2}
	now := time.Now()

	h := Health{State: HalfOpen}
	h = Transition(h, EventSuccess, now, cfg, "")
	if h.State != HalfOpen || h.HalfOpenSuccesses != 1 {
		t.Fatalf("unexpected state after first half-open success: %+v", h)
	}
	h = Transition(h, EventSuccess, now, cfg, "")
	if h.State != Closed {
		t.Fatalf("expected CLOSED after reaching half-open success threshold, got %+v", h)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, OpenDurationMs: 1000, HalfOpenSuccessThreshold: 2}
	now := time.Now()

	h := Health{State: HalfOpen, HalfOpenSuccesses: 1}
	h = Transition(h, EventFailure, now, cfg, "still broken")
	if h.State != Open {
		t.Fatalf("expected a half-open failure to reopen the breaker, got %+v", h)
	}
	if !h.OpenedAt.Equal(now) {
		t.Fatalf("expected openedAt reset to now, got %v", h.OpenedAt)
	}
}

func TestManualOpenBypassesTimer(t *testing.T) {
	cfg := Config{FailureThreshold: 1, OpenDurationMs: 1, HalfOpenSuccessThreshold: 1}
	now := time.Now()

	h := Transition(Health{State: Closed}, EventManualOpen, now, cfg, "operator action")
	if h.State != Open || !h.ManualOpen {
		t.Fatalf("expected manually-opened state, got %+v", h)
	}
	if h.Permits(now.Add(time.Hour), cfg) {
		t.Fatal("expected manual open to bypass the timer indefinitely")
	}
}

func TestManualResetClearsCounters(t *testing.T) {
	h := Health{State: Open, ConsecutiveFailures: 9, ManualOpen: true}
	h = Transition(h, EventManualReset, time.Now(), Config{}, "")
	if h.State != Closed || h.ConsecutiveFailures != 0 || h.ManualOpen {
		t.Fatalf("expected fully cleared state, got %+v", h)
	}
}
