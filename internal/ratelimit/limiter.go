// Package ratelimit bounds request volume per caller over a sliding time window.
package ratelimit

import (
	"sync"
	"time"

	"speech-to-video/internal/errs"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most limit requests per identity in any trailing window.
// The zero value is not usable; construct with New.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string][]time.Time
}

// New returns a limiter. A limit of zero or less disables limiting: every request
// is admitted and nothing is recorded. A nil clock uses time.Now.
func New(limit int, window time.Duration, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string][]time.Time),
	}
}

// Allow evicts timestamps older than the window, then admits if fewer than limit remain.
// The new timestamp is recorded only when admitted.
func (l *Limiter) Allow(identity string) Decision {
	if l.limit <= 0 {
		return Decision{Allowed: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	stamps := l.windows[identity]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]

	if len(stamps) >= l.limit {
		l.windows[identity] = stamps
		var retry time.Duration
		if len(stamps) > 0 {
			retry = stamps[0].Add(l.window).Sub(now)
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	stamps = append(stamps, now)
	l.windows[identity] = stamps
	return Decision{Allowed: true, Remaining: l.limit - len(stamps)}
}

// Admit is Allow reported as an error: nil on admission, a RateLimited error with the
// reset hint otherwise.
func (l *Limiter) Admit(identity string) error {
	d := l.Allow(identity)
	if d.Allowed {
		return nil
	}
	return errs.RateLimited("ratelimit", d.RetryAfter)
}

// Sweep drops identities whose windows have fully expired.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for id, stamps := range l.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.windows, id)
			n++
		}
	}
	return n
}
