// Package ratelimit implements per-user token buckets that throttle job
// submissions before they reach the queue.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTracked bounds the bucket map; idle buckets are pruned past it.
const maxTracked = 10000

// Limiter manages per-user rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[int64]*bucket
	defaultRate  rate.Limit
	defaultBurst int
	idleAfter    time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds rate limiter configuration. PerMinute <= 0 disables limiting.
type Config struct {
	PerMinute float64
	Burst     int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerMinute / 60)
	if cfg.PerMinute <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	idle := time.Hour
	if cfg.PerMinute > 0 {
		// A bucket idle for this long is full again and can be recreated.
		idle = time.Duration(float64(burst)/cfg.PerMinute*float64(time.Minute)) + time.Minute
	}
	return &Limiter{
		limiters:     make(map[int64]*bucket),
		defaultRate:  r,
		defaultBurst: burst,
		idleAfter:    idle,
	}
}

// Allow reports whether userID may submit now, consuming a token if so.
func (l *Limiter) Allow(userID int64) bool {
	return l.get(userID).Allow()
}

// Wait blocks until a token is available for userID, respecting the context.
func (l *Limiter) Wait(ctx context.Context, userID int64) error {
	if err := l.get(userID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (l *Limiter) get(userID int64) *rate.Limiter {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= maxTracked {
			l.pruneLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.limiters[userID] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *Limiter) pruneLocked(now time.Time) {
	for id, b := range l.limiters {
		if now.Sub(b.lastSeen) > l.idleAfter {
			delete(l.limiters, id)
		}
	}
}
