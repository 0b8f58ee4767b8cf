package bridge

import (
	"math"
	"sync"
	"time"
)

// DelayTracker remembers the longest timer delay a sample requested, each
// delay capped at the ceiling before it is compared.
type DelayTracker struct {
	ceiling time.Duration

	mu       sync.Mutex
	longest  time.Duration
	observed int
}

// NewDelayTracker creates a tracker. A ceiling <= 0 disables capping.
func NewDelayTracker(ceiling time.Duration) *DelayTracker {
	return &DelayTracker{ceiling: ceiling}
}

// Observe records one requested delay. Negative delays count as zero.
func (t *DelayTracker) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if t.ceiling > 0 && d > t.ceiling {
		d = t.ceiling
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed++
	if d > t.longest {
		t.longest = d
	}
}

// ObserveMillis records a delay given in milliseconds. Values too large
// for a time.Duration saturate instead of wrapping.
func (t *DelayTracker) ObserveMillis(ms int64) {
	t.Observe(millis(ms))
}

func millis(ms int64) time.Duration {
	switch {
	case ms <= 0:
		return 0
	case ms > math.MaxInt64/int64(time.Millisecond):
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

// Longest returns the largest capped delay seen and whether any was seen.
func (t *DelayTracker) Longest() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.longest, t.observed > 0
}

// Drain is how long to wait for deferred callbacks: the longest capped
// delay plus buffer, or buffer alone when no timer was scheduled.
func (t *DelayTracker) Drain(buffer time.Duration) time.Duration {
	longest, _ := t.Longest()
	if buffer > 0 && longest > math.MaxInt64-buffer {
		return math.MaxInt64
	}
	return longest + buffer
}
