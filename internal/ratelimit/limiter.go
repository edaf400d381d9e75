// Package ratelimit implements a fixed-window message limiter keyed by
// connection id. The first message in a window starts a counter with a
// reset timestamp; once the counter reaches the maximum, further messages
// are rejected until the window rolls over. Rejected messages are not
// queued or retried.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// Limiter tracks one fixed window per key.
type Limiter struct {
	max    int
	period time.Duration

	mu      sync.Mutex
	windows map[string]*window

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter allowing max messages per period per key.
func New(max int, period time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		period:  period,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one message attempt for key and reports whether it is
// within the current window's allowance.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.period)}
		return true
	}

	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Forget discards the window state for key. Called when a connection is
// torn down.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Count returns the number of tracked keys.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
