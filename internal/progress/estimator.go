// Package progress reports time-based progress for remote work whose real
// completion time is unknown.
package progress

import (
	"sync"
	"time"
)

// MaxPending is the highest ratio reported before true completion is observed.
const MaxPending = 0.995

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Estimator is a calibrated proxy for one operation: ratio grows linearly with
// elapsed time over the expected duration and stalls just below 1 until Complete.
type Estimator struct {
	mu       sync.Mutex
	expected time.Duration
	start    time.Time
	now      Clock
	last     float64
	done     bool
}

// NewEstimator starts an estimator now. A nil clock uses time.Now.
func NewEstimator(expected time.Duration, now Clock) *Estimator {
	if now == nil {
		now = time.Now
	}
	if expected <= 0 {
		expected = time.Second
	}
	return &Estimator{expected: expected, start: now(), now: now}
}

// Expected returns the calibrated duration.
func (e *Estimator) Expected() time.Duration { return e.expected }

// Started returns the start timestamp.
func (e *Estimator) Started() time.Time { return e.start }

// Ratio reports progress in [0, MaxPending] while pending and exactly 1 once complete.
// Successive calls never decrease.
func (e *Estimator) Ratio() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return 1
	}
	r := float64(e.now().Sub(e.start)) / float64(e.expected)
	if r > MaxPending {
		r = MaxPending
	}
	if r < e.last {
		r = e.last
	}
	e.last = r
	return r
}

// Done reports whether Complete has been called.
func (e *Estimator) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Complete records true completion. Only the first call has an effect. It returns how
// long presentation should be deferred so the calibrated time has fully elapsed:
// max(0, start+expected-now).
func (e *Estimator) Complete() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return 0
	}
	e.done = true
	return e.remainingLocked()
}

// Remaining returns the calibrated time left, clamped at zero.
func (e *Estimator) Remaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remainingLocked()
}

func (e *Estimator) remainingLocked() time.Duration {
	remaining := e.start.Add(e.expected).Sub(e.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// StitchExpected is the calibration for composing n segments.
func StitchExpected(base, perSegment time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base + time.Duration(n)*perSegment
}
