// Package ratelimit throttles deliveries per subscription.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per subscription. Buckets hold up to one
// second of tokens and start full.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a new rate limiter.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether one delivery for key may proceed now.
// A perSecond of 0 means unlimited.
func (l *Limiter) Allow(key string, perSecond int) bool {
	if perSecond <= 0 {
		return true
	}
	return l.bucket(key, perSecond).Allow()
}

// Delay reports how long a delivery for key must wait at now. A zero delay
// takes a token; a positive one takes nothing, so the caller asks again
// once the delay has passed. A perSecond of 0 never delays.
func (l *Limiter) Delay(key string, perSecond int, now time.Time) time.Duration {
	if perSecond <= 0 {
		return 0
	}
	r := l.bucket(key, perSecond).ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	if d > 0 {
		r.CancelAt(now)
	}
	return d
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) bucket(key string, perSecond int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		l.buckets[key] = b
		return b
	}
	if b.Burst() != perSecond {
		b.SetLimit(rate.Limit(perSecond))
		b.SetBurst(perSecond)
	}
	return b
}
