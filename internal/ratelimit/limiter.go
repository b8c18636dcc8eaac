// Package ratelimit implements the per-user admission filter: a fixed
// 60-second window with a request counter that resets on rollover.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the counting period.
const window = time.Minute

// entryTTL is how long an inactive user's window survives before the
// sweep evicts it (two full windows).
const entryTTL = 2 * window

// sweepInterval controls eviction cadence.
const sweepInterval = time.Minute

// entry is one user's window state.
type entry struct {
	requestCount int
	windowStart  time.Time
}

// Limiter admits up to limit requests per user per minute. A limit of
// zero or below disables limiting.
type Limiter struct {
	limit int

	// now is replaced in tests to control window rollover.
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Limiter admitting limit requests per user per minute.
func New(limit int) *Limiter {
	return &Limiter{
		limit:   limit,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// SetLimit swaps the per-minute limit. Applies to subsequent Allow calls.
func (l *Limiter) SetLimit(limit int) {
	l.mu.Lock()
	l.limit = limit
	l.mu.Unlock()
}

// Allow reports whether userID may proceed. When denied, retryAfter is
// the positive duration until the window rolls over.
func (l *Limiter) Allow(userID string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limit <= 0 {
		return true, 0
	}

	now := l.now()
	e, exists := l.entries[userID]
	if !exists || now.Sub(e.windowStart) > window {
		l.entries[userID] = &entry{requestCount: 1, windowStart: now}
		return true, 0
	}

	if e.requestCount >= l.limit {
		remaining := window - now.Sub(e.windowStart)
		if remaining <= 0 {
			remaining = time.Second
		}
		return false, remaining
	}

	e.requestCount++
	return true, 0
}

// Count returns the number of tracked users.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunSweeper evicts windows inactive beyond entryTTL until ctx is
// cancelled.
func (l *Limiter) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce(l.now())
		}
	}
}

func (l *Limiter) sweepOnce(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		if now.Sub(e.windowStart) > entryTTL {
			delete(l.entries, id)
		}
	}
}
