// Package ratelimit implements sliding-window admission control.
//
// The limiter keeps the timestamps of admitted requests that are still inside
// the window. A request is admitted iff fewer than Limit timestamps remain
// after expired ones are discarded. Unlike a token bucket there is no burst
// refill: capacity returns exactly when the oldest admitted request leaves the
// window.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is safe for concurrent use; each call is one atomic window update.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

// Stats is a point-in-time view of the window.
type Stats struct {
	RequestsInWindow int           `json:"requestsInWindow"`
	Limit            int           `json:"limit"`
	Window           time.Duration `json:"-"`
	WindowMs         int64         `json:"windowMs"`
	Remaining        int           `json:"remaining"`
}

type Option func(*Limiter)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a limiter admitting at most limit requests per window.
// limit <= 0 denies everything.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.limit, l.window = sanitize(limit, window)
	return l
}

func sanitize(limit int, window time.Duration) (int, time.Duration) {
	if limit < 0 {
		limit = 0
	}
	if window < 0 {
		window = 0
	}
	return limit, window
}

// Allow admits the request if the window has room and records it.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Remaining returns max(0, limit - admitted requests in window).
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return max(0, l.limit-len(l.stamps))
}

// TimeUntilReset returns how long until the oldest admitted request leaves
// the window, or 0 when the window is empty.
func (l *Limiter) TimeUntilReset() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	if len(l.stamps) == 0 {
		return 0
	}
	d := l.stamps[0].Add(l.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Configure replaces limit and window without clearing history. Existing
// timestamps are re-filtered against the new window on the next call.
func (l *Limiter) Configure(limit int, window time.Duration) {
	l.mu.Lock()
	l.limit, l.window = sanitize(limit, window)
	l.mu.Unlock()
}

// Reset clears history.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.stamps = nil
	l.mu.Unlock()
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return Stats{
		RequestsInWindow: len(l.stamps),
		Limit:            l.limit,
		Window:           l.window,
		WindowMs:         l.window.Milliseconds(),
		Remaining:        max(0, l.limit-len(l.stamps)),
	}
}

// pruneLocked drops timestamps at or before now-window. Stamps are appended in
// clock order, so the expired ones form a prefix.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(l.stamps, l.stamps[i:])
	l.stamps = l.stamps[:n]
}
