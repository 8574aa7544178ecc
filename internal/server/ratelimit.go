package server

import (
	"sync"
	"time"
)

// maxRateBuckets caps the tracked callers. Past the cap a sweep drops
// buckets with no live requests, so one scan with rotating garbage
// tokens cannot grow the map without bound.
const maxRateBuckets = 10_000

// rateLimiter enforces a sliding-window request cap per caller. The
// caller key is the bearer token hash when one is present and the
// client address otherwise, which lets the limiter run before auth and
// shield the key lookup path.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string][]time.Time),
	}
}

// allow records one request for key at now. When the window is full it
// reports false plus the whole seconds until the oldest request slides
// out, never less than 1 so the Retry-After header stays honest.
func (l *rateLimiter) allow(key string, now time.Time) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	times := l.buckets[key]
	live := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= l.limit {
		l.buckets[key] = live
		retry := int(live[0].Add(l.window).Sub(now).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		return false, retry
	}

	l.buckets[key] = append(live, now)
	if len(l.buckets) > maxRateBuckets {
		l.sweep(cutoff)
	}
	return true, 0
}

// sweep deletes buckets whose every timestamp has left the window.
// Called with l.mu held.
func (l *rateLimiter) sweep(cutoff time.Time) {
	for key, times := range l.buckets {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.buckets, key)
		}
	}
}
