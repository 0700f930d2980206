package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterKey scopes a token bucket to one user, one channel kind and
// one action type, so a chatty user cannot starve their own game
// actions.
type limiterKey struct {
	userID string
	kind   string
	action string
}

type limiterSet struct {
	mu      sync.Mutex
	buckets map[limiterKey]*rate.Limiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{buckets: make(map[limiterKey]*rate.Limiter)}
}

// take consumes one token from the bucket, creating it on first use.
// When the bucket is empty it reports the wait until the next token.
func (l *limiterSet) take(key limiterKey, limit rate.Limit, burst int) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	lim, found := l.buckets[key]
	if !found {
		lim = rate.NewLimiter(limit, burst)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// forget drops a user's buckets after their last session closes.
func (l *limiterSet) forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.userID == userID {
			delete(l.buckets, key)
		}
	}
}
