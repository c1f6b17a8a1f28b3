package progress

import (
	"context"
	"sync"
	"time"
)

// Status strings reported when no stage has set its own.
const (
	StatusQueued = "Queued"
	StatusDone   = "Done"
	StatusIdle   = "Idle"
)

// Snapshot is what a progress query returns.
type Snapshot struct {
	Ratio  float64 `json:"ratio"`
	Status string  `json:"status"`
	Done   bool    `json:"done"`
	Failed bool    `json:"failed"`
}

// Terminal reports whether no further progress will be made.
func (s Snapshot) Terminal() bool { return s.Done || s.Failed }

type stage struct {
	weight float64
	ests   []*Estimator
}

// Tracker aggregates the estimators of one request into a single monotonic ratio.
// Work is split into weighted stages (for example transcription, generation,
// stitching); earlier stages count in full once a later stage begins.
type Tracker struct {
	mu        sync.Mutex
	now       Clock
	completed float64
	current   *stage
	status    string
	last      float64
	done      bool
	failed    bool
}

// NewTracker returns a tracker in the queued state. A nil clock uses time.Now.
func NewTracker(now Clock) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, status: StatusQueued}
}

// Clock returns the tracker's clock so stage estimators share it.
func (t *Tracker) Clock() Clock { return t.now }

// Stage closes the current stage and starts a new one of the given weight, whose
// progress is the mean ratio of ests. Weights of all stages should sum to 1.
func (t *Tracker) Stage(status string, weight float64, ests ...*Estimator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.failed {
		return
	}
	if t.current != nil {
		t.completed += t.current.weight
	}
	t.current = &stage{weight: weight, ests: ests}
	t.status = status
}

// SetStatus replaces the human-readable status without touching the ratio.
func (t *Tracker) SetStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.failed {
		return
	}
	t.status = status
}

// Snapshot returns the current ratio and status.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return Snapshot{Ratio: 1, Status: t.status, Done: true}
	}
	if t.failed {
		return Snapshot{Ratio: t.last, Status: t.status, Failed: true}
	}
	r := t.completed
	if t.current != nil && len(t.current.ests) > 0 {
		sum := 0.0
		for _, e := range t.current.ests {
			sum += e.Ratio()
		}
		r += t.current.weight * sum / float64(len(t.current.ests))
	}
	if r > MaxPending {
		r = MaxPending
	}
	if r < t.last {
		r = t.last
	}
	t.last = r
	return Snapshot{Ratio: r, Status: t.status}
}

// Remaining returns the longest calibrated time left across the current stage.
func (t *Tracker) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var longest time.Duration
	if t.current == nil {
		return 0
	}
	for _, e := range t.current.ests {
		if r := e.Remaining(); r > longest {
			longest = r
		}
	}
	return longest
}

// Finish records true completion of the whole request. With deferPresentation set it
// first waits out the calibrated time left in the current stage, so a fast result does
// not jump straight to 100%. The wait ends early if ctx is done.
func (t *Tracker) Finish(ctx context.Context, deferPresentation bool) {
	if deferPresentation {
		if wait := t.Remaining(); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.failed {
		return
	}
	t.done = true
	t.status = StatusDone
}

// Fail marks the request terminally failed. The ratio stays where it was.
func (t *Tracker) Fail(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.failed {
		return
	}
	t.failed = true
	t.status = "Failed: " + reason
}

// Reset clears a terminal tracker back to idle.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed = 0
	t.current = nil
	t.last = 0
	t.done = false
	t.failed = false
	t.status = StatusIdle
}

// ResetAfter lingers in the terminal state for d and then resets.
func (t *Tracker) ResetAfter(d time.Duration) *time.Timer {
	return time.AfterFunc(d, t.Reset)
}

// Watch calls fn with a fresh snapshot every tick until fn returns false or ctx is done.
// The cadence is independent of how often the provider is polled.
func (t *Tracker) Watch(ctx context.Context, tick time.Duration, fn func(Snapshot) bool) {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	if !fn(t.Snapshot()) {
		return
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !fn(t.Snapshot()) {
				return
			}
		}
	}
}
