package webhook

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window counter over the last minute.
// A limit of 0 disables limiting.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   []time.Time
	now    func() time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
	}
}

// Allow records a hit and reports whether it is within the limit.
func (r *rateLimiter) Allow() bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	kept := r.hits[:0]
	for _, t := range r.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.hits = kept

	if len(r.hits) >= r.limit {
		return false
	}
	r.hits = append(r.hits, r.now())
	return true
}
