// Package ratelimit throttles repeated failures per key. The RPC server uses
// it to slow down auth token guessing from a single host.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FailureLimiter tracks failures per key with a token bucket per key. A key
// is blocked once its bucket is empty and recovers at the refill rate.
// Successful attempts never consume tokens.
type FailureLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration // how long to keep untouched buckets
	stopCh  chan struct{}
	once    sync.Once
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewFailureLimiter allows burst failures per key, refilled at perSecond.
// Buckets untouched for idle are dropped.
func NewFailureLimiter(perSecond float64, burst int, idle time.Duration) *FailureLimiter {
	fl := &FailureLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		stopCh:  make(chan struct{}),
	}
	go fl.cleanupLoop()
	return fl
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (fl *FailureLimiter) Close() {
	fl.once.Do(func() { close(fl.stopCh) })
}

func (fl *FailureLimiter) get(key string) *bucket {
	b, ok := fl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(fl.limit, fl.burst)}
		fl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b
}

// Blocked reports whether key has used up its failures.
func (fl *FailureLimiter) Blocked(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	b, ok := fl.buckets[key]
	if !ok {
		return false
	}
	return b.lim.Tokens() < 1
}

// Fail records one failure for key and reports whether key is now blocked.
func (fl *FailureLimiter) Fail(key string) bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	b := fl.get(key)
	b.lim.Allow()
	return b.lim.Tokens() < 1
}

// Len returns the number of tracked keys.
func (fl *FailureLimiter) Len() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.buckets)
}

// cleanupLoop periodically removes idle buckets.
func (fl *FailureLimiter) cleanupLoop() {
	ticker := time.NewTicker(fl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-fl.stopCh:
			return
		case <-ticker.C:
			fl.sweep(time.Now())
		}
	}
}

// sweep drops buckets that are idle and full again.
func (fl *FailureLimiter) sweep(now time.Time) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for key, b := range fl.buckets {
		if now.Sub(b.lastSeen) > fl.idle && b.lim.TokensAt(now) >= float64(fl.burst) {
			delete(fl.buckets, key)
		}
	}
}
