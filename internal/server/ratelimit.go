package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipBuckets holds the two token buckets of one source IP.
type ipBuckets struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces two concurrent per-IP limits: requests per minute
// and requests per hour. Buckets live in process; idle buckets are
// garbage-collected periodically.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBuckets
	perMin  int
	perHour int
	now     func() time.Time
}

// NewRateLimiter creates a limiter with the configured bucket sizes.
func NewRateLimiter(perMin, perHour int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*ipBuckets),
		perMin:  perMin,
		perHour: perHour,
		now:     time.Now,
	}
}

// Allow consumes one token from both buckets of the IP. When either
// bucket is empty the request is rejected and retryAfter tells the caller
// how long until a token frees up.
func (l *RateLimiter) Allow(ip string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	b, exists := l.buckets[ip]
	if !exists {
		b = &ipBuckets{
			minute: rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin),
			hour:   rate.NewLimiter(rate.Limit(float64(l.perHour)/3600.0), l.perHour),
		}
		l.buckets[ip] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()

	minuteRes := b.minute.Reserve()
	if delay := minuteRes.Delay(); delay > 0 {
		minuteRes.Cancel()
		return false, delay
	}
	hourRes := b.hour.Reserve()
	if delay := hourRes.Delay(); delay > 0 {
		hourRes.Cancel()
		minuteRes.Cancel()
		return false, delay
	}
	return true, 0
}

// GC drops buckets idle longer than maxIdle and returns how many were
// removed.
func (l *RateLimiter) GC(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
			removed++
		}
	}
	return removed
}
