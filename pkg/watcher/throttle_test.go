package watcher

import (
	"testing"
	"time"
)

func TestThrottle_BurstOfSixty(t *testing.T) {
	throttle := NewThrottle(5*time.Minute, 50)

	var emitted, warned, suppressed int
	for i := 0; i < 60; i++ {
		switch throttle.Admit() {
		case DecisionEmit:
			emitted++
		case DecisionWarnAndSuppress:
			warned++
		case DecisionSuppressed:
			suppressed++
		}
	}

	if emitted != 50 {
		t.Errorf("watcher:throttle_test - emitted = %d, want 50", emitted)
	}
	if warned != 1 {
		t.Errorf("watcher:throttle_test - warned = %d, want exactly 1", warned)
	}
	if suppressed != 9 {
		t.Errorf("watcher:throttle_test - suppressed = %d, want 9", suppressed)
	}
	if !throttle.Suppressed() {
		t.Errorf("watcher:throttle_test - throttle should report suppressed")
	}
}

func TestThrottle_WindowReset(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	throttle := NewThrottle(5*time.Minute, 2)
	throttle.now = func() time.Time { return now }

	// Exhaust the window.
	for i := 0; i < 4; i++ {
		throttle.Admit()
	}
	if got := throttle.Admit(); got != DecisionSuppressed {
		t.Fatalf("watcher:throttle_test - Admit() = %v, want DecisionSuppressed", got)
	}

	// Past the window end the counter resets and flow resumes.
	now = now.Add(5*time.Minute + time.Second)
	if got := throttle.Admit(); got != DecisionEmit {
		t.Errorf("watcher:throttle_test - Admit() after window = %v, want DecisionEmit", got)
	}
	if throttle.Suppressed() {
		t.Errorf("watcher:throttle_test - throttle should not report suppressed after reset")
	}
}

func TestThrottle_WarnedExactlyOncePerWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	throttle := NewThrottle(time.Minute, 1)
	throttle.now = func() time.Time { return now }

	if got := throttle.Admit(); got != DecisionEmit {
		t.Errorf("watcher:throttle_test - first Admit() = %v, want DecisionEmit", got)
	}
	if got := throttle.Admit(); got != DecisionWarnAndSuppress {
		t.Errorf("watcher:throttle_test - second Admit() = %v, want DecisionWarnAndSuppress", got)
	}
	if got := throttle.Admit(); got != DecisionSuppressed {
		t.Errorf("watcher:throttle_test - third Admit() = %v, want DecisionSuppressed", got)
	}

	// Next window warns again, but only after the threshold is crossed again.
	now = now.Add(2 * time.Minute)
	if got := throttle.Admit(); got != DecisionEmit {
		t.Errorf("watcher:throttle_test - Admit() in new window = %v, want DecisionEmit", got)
	}
	if got := throttle.Admit(); got != DecisionWarnAndSuppress {
		t.Errorf("watcher:throttle_test - second Admit() in new window = %v, want DecisionWarnAndSuppress", got)
	}
}
