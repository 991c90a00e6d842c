package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter keyed by arbitrary string. A key's
// window starts on its first acquisition and resets once the window
// elapses; once limit acquisitions happen inside the window, further
// attempts are rejected with the time remaining until reset.
//
// Fixed windows are deliberately simple: a client can burst up to 2x the
// limit across a window boundary. Counters are process-local, so limits are
// per-instance when the service runs replicated.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	maxKeys int
}

type window struct {
	startedAt time.Time
	hits      int
}

func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
		maxKeys: 10000,
	}
}

// WithClock overrides the time source, used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TryAcquire counts one attempt against key. It returns whether the attempt
// is allowed and, when rejected, how long until the window resets.
func (l *Limiter) TryAcquire(key string, limit int, windowSize time.Duration) (bool, time.Duration) {
	if limit <= 0 || windowSize <= 0 {
		return true, 0
	}

	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || now.Sub(w.startedAt) >= windowSize {
		l.windows[key] = &window{startedAt: now, hits: 1}
		l.purgeLocked(now, windowSize)
		return true, 0
	}

	if w.hits >= limit {
		retryAfter := w.startedAt.Add(windowSize).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}

	w.hits++
	return true, 0
}

// purgeLocked drops stale windows once the map grows past maxKeys. Callers
// hold l.mu.
func (l *Limiter) purgeLocked(now time.Time, windowSize time.Duration) {
	if len(l.windows) <= l.maxKeys {
		return
	}
	for key, w := range l.windows {
		if now.Sub(w.startedAt) >= windowSize {
			delete(l.windows, key)
		}
	}
}
