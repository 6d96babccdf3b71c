// Package backoff provides a one-shot retry timer whose delay doubles after
// every consecutive failure.
//
// Callers start the timer after a failed attempt and stop it once an attempt
// succeeds. Stopping resets the backoff so the next failure starts again from
// the base delay.
//
// Example usage:
//
//	t := backoff.New(time.Hour)
//	retryAt := t.StartWithPrivacy(15*time.Second, retry)
//	...
//	t.Stop() // on success
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultMaxDelay caps the backoff when New is given a non-positive maximum.
const DefaultMaxDelay = time.Hour

// Timer schedules a single task at a time. It is safe for concurrent use.
type Timer struct {
	mu       sync.Mutex
	maxDelay time.Duration
	count    int         // consecutive delays calculated since the last Stop
	timer    *time.Timer // pending task, nil when idle
	running  bool
	seq      uint64 // bumped on every schedule/stop so stale callbacks do nothing

	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

// New returns a Timer whose delays never exceed maxDelay after the first
// failure.
func New(maxDelay time.Duration) *Timer {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Timer{
		maxDelay: maxDelay,
		now:      time.Now,
		jitter:   geometric,
	}
}

// Start schedules task to run once after CalculateDelay(delay), cancelling any
// task already scheduled on this timer. It returns the time the task fires.
func (t *Timer) Start(delay time.Duration, task func()) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduleLocked(t.calculateDelayLocked(delay), task)
}

// StartWithPrivacy behaves like Start but replaces the backed-off delay with a
// geometrically distributed random delay of the same mean, so retries from
// many clients cannot be correlated by their timing.
func (t *Timer) StartWithPrivacy(delay time.Duration, task func()) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduleLocked(t.jitter(t.calculateDelayLocked(delay)), task)
}

// CalculateDelay returns delay shifted left by the number of delays calculated
// since the last Stop and advances that count. Every delay except the first
// one after a reset is capped at the maximum.
func (t *Timer) CalculateDelay(delay time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calculateDelayLocked(delay)
}

func (t *Timer) calculateDelayLocked(delay time.Duration) time.Duration {
	shift := t.count
	t.count++

	if shift == 0 || delay <= 0 {
		return delay
	}
	if shift >= 63 || delay > t.maxDelay>>uint(shift) {
		return t.maxDelay
	}
	return delay << uint(shift)
}

// Stop cancels the pending task and resets the backoff. It reports whether a
// task was pending.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasRunning := t.running
	t.cancelLocked()
	t.count = 0
	return wasRunning
}

// IsRunning reports whether a task is scheduled and has not fired yet.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timer) scheduleLocked(delay time.Duration, task func()) time.Time {
	t.cancelLocked()

	seq := t.seq
	t.running = true
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.seq != seq {
			t.mu.Unlock()
			return
		}
		t.running = false
		t.timer = nil
		t.mu.Unlock()

		task()
	})
	return t.now().Add(delay)
}

func (t *Timer) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.running = false
	t.seq++
}

// geometric draws a delay from an exponential distribution with mean d.
func geometric(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	r := -float64(d) * math.Log1p(-rand.Float64())
	if r >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(r)
}
