package watcher

import (
	"sync"
	"time"
)

// Decision is the throttle's verdict for one notification attempt.
type Decision int

const (
	// DecisionEmit: under threshold, emit normally.
	DecisionEmit Decision = iota
	// DecisionWarnAndSuppress: threshold just exceeded, emit the one-shot
	// bursting warning and suppress the notification itself.
	DecisionWarnAndSuppress
	// DecisionSuppressed: over threshold, emit nothing.
	DecisionSuppressed
)

// Throttle is a sliding-window counter gating changelist notifications. The
// window state is process-local and restarts fresh; it is mutex-guarded
// because notification emission fans out per event.
type Throttle struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	now       func() time.Time

	windowEnd time.Time
	count     int
}

// NewThrottle creates a throttle allowing threshold notifications per window.
func NewThrottle(window time.Duration, threshold int) *Throttle {
	return &Throttle{window: window, threshold: threshold, now: time.Now}
}

// Admit counts one notification attempt and returns the verdict. The window
// resets as soon as the current time passes its end.
func (t *Throttle) Admit() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.After(t.windowEnd) {
		t.windowEnd = now.Add(t.window)
		t.count = 0
	}

	t.count++
	switch {
	case t.count <= t.threshold:
		return DecisionEmit
	case t.count == t.threshold+1:
		return DecisionWarnAndSuppress
	default:
		return DecisionSuppressed
	}
}

// Suppressed reports whether the throttle is currently past its threshold.
func (t *Throttle) Suppressed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.now().After(t.windowEnd) {
		return false
	}
	return t.count > t.threshold
}

// Threshold returns the configured per-window limit.
func (t *Throttle) Threshold() int {
	return t.threshold
}
