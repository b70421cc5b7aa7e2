// Package ratelimit provides fixed-window admission control keyed by client
// identity, used by the connection gateway to throttle connection attempts
// per remote IP.
package ratelimit

import (
	"sync"
	"time"
)

// entry tracks admissions for one key within the current window. Entries are
// replaced, not mutated, when their window elapses.
type entry struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window rate limiter. Each key gets up to max allowed
// [Limiter.Check] calls per window; a fresh window starts on the first call
// after the previous window elapsed. A background sweep removes stale entries
// so memory stays bounded for long-running processes.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	entries map[string]entry

	now        func() time.Time
	sweepEvery time.Duration

	done        chan struct{}
	disposeOnce sync.Once
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithSweepInterval overrides how often stale entries are swept.
// The default is one window.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweepEvery = d
	}
}

// New creates a [Limiter] allowing max admissions per key per window and
// starts the background sweep. Call [Limiter.Dispose] to stop the sweep.
func New(window time.Duration, max int, opts ...Option) *Limiter {
	l := &Limiter{
		window:     window,
		max:        max,
		entries:    make(map[string]entry),
		now:        time.Now,
		done:       make(chan struct{}),
		sweepEvery: window,
	}
	for _, o := range opts {
		o(l)
	}
	go l.sweepLoop()
	return l
}

// Check reports whether an admission for key is allowed right now. An allowed
// call counts against the key's window; a denied call does not.
func (l *Limiter) Check(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = entry{count: 0, resetAt: now.Add(l.window)}
	}
	if e.count >= l.max {
		l.entries[key] = e
		return false
	}
	e.count++
	l.entries[key] = e
	return true
}

// Count returns the number of admissions recorded for key in its current
// window. Returns 0 when the key has no live entry.
func (l *Limiter) Count(key string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		return 0
	}
	return e.count
}

// Dispose stops the background sweep. Safe to call multiple times.
func (l *Limiter) Dispose() {
	l.disposeOnce.Do(func() {
		close(l.done)
	})
}

// sweepLoop periodically removes entries whose window has elapsed.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes all expired entries.
func (l *Limiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, key)
		}
	}
}
