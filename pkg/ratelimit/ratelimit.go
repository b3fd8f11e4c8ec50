// Package ratelimit implements a sliding-window event limiter, used for
// push provider budgets and the rate_limit middleware stage.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter counts events per key over a sliding window. The zero value is
// not usable; construct with New. All methods are safe for concurrent use.
type Limiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	events map[string][]time.Time

	// now is replaceable in tests
	now func() time.Time
}

// New creates a limiter that permits limit events per key within each
// sliding window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether another event is currently permitted for key.
// It does not record the event; pair with Record on success.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(key)) < l.limit
}

// Record registers an event for key at the current time.
func (l *Limiter) Record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[key] = append(l.pruneLocked(key), l.now())
}

// Remaining returns how many further events are permitted for key within
// the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.limit - len(l.pruneLocked(key))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RetryAfter returns how long until the next event would be permitted for
// key. Zero means an event is permitted now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.pruneLocked(key)
	if len(current) < l.limit {
		return 0
	}
	// The eldest in-window event expiring frees a slot.
	wait := current[0].Add(l.window).Sub(l.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// Limit returns the configured per-window budget.
func (l *Limiter) Limit() int {
	return l.limit
}

// Window returns the configured window width.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// pruneLocked drops events older than the window and reclaims the key's
// state entirely once its window has elapsed.
func (l *Limiter) pruneLocked(key string) []time.Time {
	cutoff := l.now().Add(-l.window)
	events := l.events[key]

	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	if idx == len(events) {
		delete(l.events, key)
		return nil
	}
	if idx > 0 {
		events = append([]time.Time(nil), events[idx:]...)
		l.events[key] = events
	}
	return events
}
