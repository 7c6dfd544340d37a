// Package ratelimit implements a sliding-window request limiter keyed by
// caller identity, with a hard bound on tracked keys so an attacker cannot
// grow memory without limit.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// cleanupInterval bounds how often a call to Allow sweeps dead keys.
const cleanupInterval = 5 * time.Minute

// Limiter tracks request timestamps per key. All state is in-memory and
// resets on restart.
type Limiter struct {
	mu          sync.Mutex
	entries     map[string][]time.Time
	maxKeys     int
	lastCleanup time.Time
	nowFunc     func() time.Time
}

// NewLimiter builds a limiter tracking at most maxKeys distinct callers.
func NewLimiter(maxKeys int) *Limiter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Limiter{
		entries: make(map[string][]time.Time),
		maxKeys: maxKeys,
		nowFunc: time.Now,
	}
}

// Allow reports whether one more request from key fits within limit calls
// per window. When the key table is full, a brand-new key is throttled
// rather than admitted: under a key-spraying attack memory stays bounded,
// at the cost of false positives for genuinely new clients until cleanup
// frees space.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	now := l.nowFunc()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= cleanupInterval {
		l.cleanupLocked(cutoff)
		l.lastCleanup = now
	}

	hits, ok := l.entries[key]
	if !ok && len(l.entries) >= l.maxKeys {
		return false
	}

	// Drop hits that have slid out of the window.
	live := hits[:0]
	for _, hit := range hits {
		if hit.After(cutoff) {
			live = append(live, hit)
		}
	}

	if len(live) >= limit {
		l.entries[key] = live
		return false
	}
	l.entries[key] = append(live, now)
	return true
}

// cleanupLocked removes keys whose every hit has expired. Since Allow never
// admits a key past the bound, sweeping dead keys is what frees slots for
// newcomers. Caller holds mu.
func (l *Limiter) cleanupLocked(cutoff time.Time) {
	for key, hits := range l.entries {
		alive := false
		for _, hit := range hits {
			if hit.After(cutoff) {
				alive = true
				break
			}
		}
		if !alive {
			delete(l.entries, key)
		}
	}
}

// RetryAfter converts a window to whole seconds for the Retry-After header,
// rounding up so clients never retry early.
func RetryAfter(window time.Duration) int {
	secs := int((window + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ClientKey derives the limiter key for an HTTP request: the first entry of
// X-Forwarded-For, then X-Real-IP, then the bare remote address. "direct"
// when nothing identifies the caller.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "direct"
}
