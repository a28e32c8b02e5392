package ratelimit

import (
	"sync"
	"time"
)

// Decision reports whether a request may proceed and, when denied, how long
// the client should wait before retrying.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter enforces a fixed-window per-client request quota. Windows are
// anchored at each client's first request in the window rather than aligned
// to wall-clock minutes.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time
}

// New builds a limiter allowing limit requests per window per client.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one unit of the client's quota when available. Every call
// counts against the quota, including those that end up served from cache.
func (l *Limiter) Allow(clientID string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	b, ok := l.buckets[clientID]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[clientID] = &bucket{windowStart: now, count: 1}
		return Decision{Allowed: true, Remaining: l.limit - 1}
	}

	if b.count >= l.limit {
		retry := l.window - now.Sub(b.windowStart)
		if retry < 0 {
			retry = 0
		}
		return Decision{RetryAfter: retry}
	}

	b.count++
	return Decision{Allowed: true, Remaining: l.limit - b.count}
}

// Size reports the number of tracked clients, expired windows included until
// the next sweep.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweepLocked drops buckets whose window has fully elapsed. Runs under the
// limiter mutex on every Allow; the map stays small enough that a full scan
// is cheaper than a background janitor.
func (l *Limiter) sweepLocked(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, id)
		}
	}
}
