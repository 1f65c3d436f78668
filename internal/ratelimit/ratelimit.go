package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether another event for key is allowed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Window tracks event counts per key within a sliding window, in memory.
type Window struct {
	mu        sync.Mutex
	entries   map[string][]time.Time
	max       int
	window    time.Duration
	lastSweep time.Time
}

// NewWindow creates a Window allowing max events per key per window.
func NewWindow(max int, window time.Duration) *Window {
	return &Window{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
	}
}

// Allow returns true if key has not exceeded the limit. If allowed, the
// event is recorded.
func (l *Window) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	timestamps := l.entries[key]
	// Remove expired entries
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		l.entries[key] = valid
		return false, nil
	}

	l.entries[key] = append(valid, now)
	return true, nil
}

// sweep deletes keys whose newest event is outside the window, so the map
// only holds keys seen within the last window.
func (l *Window) sweep(cutoff time.Time) {
	for key, ts := range l.entries {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.entries, key)
		}
	}
}

// Forget drops all state for key.
func (l *Window) Forget(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Window) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
