// Package ratelimit provides a keyed fixed-window counter.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"courier/pkg/types"
)

// Window is the counter state for one key.
type Window struct {
	Count   int
	ResetAt time.Time
}

// FixedWindow implements per-key fixed-window rate limiting
// ARCHITECTURAL DISCOVERY: Per-key state tracking with periodic Sweep prevents memory leaks
type FixedWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]*Window
}

// New creates a limiter allowing limit events per window for each key
func New(limit int, window time.Duration) *FixedWindow {
	return NewWithClock(limit, window, time.Now)
}

// NewWithClock is New with an injectable time source for deterministic tests
func NewWithClock(limit int, window time.Duration, now func() time.Time) *FixedWindow {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]*Window),
	}
}

// Allow records one event for key and reports whether it is within the limit
// TECHNICAL DISCOVERY: Check-then-increment runs under one mutex so concurrent
// senders on the same key can never both take the last slot
func (l *FixedWindow) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, exists := l.windows[key]
	if !exists || now.After(w.ResetAt) {
		// FUNCTIONAL DISCOVERY: First event of a window is always allowed
		l.windows[key] = &Window{Count: 1, ResetAt: now.Add(l.window)}
		return true
	}

	// Rejected attempts are not counted against the limit
	if w.Count >= l.limit {
		return false
	}

	w.Count++
	return true
}

// Check is Allow expressed as an error wrapping types.ErrRateLimited
func (l *FixedWindow) Check(key string) error {
	if !l.Allow(key) {
		return fmt.Errorf("%w: %d messages per %s", types.ErrRateLimited, l.limit, l.window)
	}
	return nil
}

// Sweep removes windows whose reset time has passed and returns how many were dropped
func (l *FixedWindow) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if now.After(w.ResetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Lookup returns a copy of the current window for key
func (l *FixedWindow) Lookup(key string) (Window, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[key]
	if !exists {
		return Window{}, false
	}
	return *w, true
}

// Len returns the number of tracked windows
func (l *FixedWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Limit returns the configured maximum per window
func (l *FixedWindow) Limit() int { return l.limit }

// WindowLength returns the configured window duration
func (l *FixedWindow) WindowLength() time.Duration { return l.window }
