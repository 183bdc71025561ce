// Package daily implements the global fixed-window cap on verifications per day.
package daily

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// Policy decides what happens to submissions while the window is exhausted.
type Policy string

const (
	// PolicyHold keeps jobs queued until the window resets.
	PolicyHold Policy = "hold"
	// PolicyReject fails new submissions fast with ErrLimitReached.
	PolicyReject Policy = "reject"
)

const (
	defaultLimit        = 24
	defaultPollInterval = time.Minute
	day                 = 24 * time.Hour
)

// Config holds limiter configuration.
type Config struct {
	Limit int
	// ResetOffset shifts the window boundary from 00:00 UTC.
	ResetOffset time.Duration
	Policy      Policy
}

// Limiter counts reservations in the current window. Each reservation is
// tagged with its window start so a release after rollover never frees a slot
// in the new window.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	clock    orchestrator.Clock
	window   time.Time
	used     int
	released chan struct{}

	pollInterval time.Duration
}

// New creates a Limiter.
func New(cfg Config, clock orchestrator.Clock) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyHold
	}
	cfg.ResetOffset %= day
	l := &Limiter{
		cfg:          cfg,
		clock:        clock,
		released:     make(chan struct{}),
		pollInterval: defaultPollInterval,
	}
	l.window = l.windowStart(clock.Now())
	return l
}

// Policy returns the configured exhaustion policy.
func (l *Limiter) Policy() Policy {
	return l.cfg.Policy
}

// Limit returns the per-window cap.
func (l *Limiter) Limit() int {
	return l.cfg.Limit
}

// TryReserve takes one slot and returns the window it belongs to.
func (l *Limiter) TryReserve() (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	if l.used >= l.cfg.Limit {
		return time.Time{}, orchestrator.ErrLimitReached
	}
	l.used++
	return l.window, nil
}

// Release returns a slot taken in window. Releases for an expired window are
// ignored.
func (l *Limiter) Release(window time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	if window.IsZero() || !window.Equal(l.window) || l.used == 0 {
		return
	}
	l.used--
	close(l.released)
	l.released = make(chan struct{})
}

// Used returns the slots taken in the current window.
func (l *Limiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.used
}

// Remaining returns the free slots in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.cfg.Limit - l.used
}

// Exhausted reports whether no slot is free right now.
func (l *Limiter) Exhausted() bool {
	return l.Remaining() <= 0
}

// ResetAt returns when the current window ends.
func (l *Limiter) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.window.Add(day)
}

// WaitReset blocks until a slot may be free again: the window rolled over or
// a reservation was released.
func (l *Limiter) WaitReset(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.rollLocked()
		if l.used < l.cfg.Limit {
			l.mu.Unlock()
			return nil
		}
		wait := l.window.Add(day).Sub(l.clock.Now())
		released := l.released
		l.mu.Unlock()

		if wait > l.pollInterval {
			wait = l.pollInterval
		}
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("wait for daily reset: %w", ctx.Err())
		case <-released:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Limiter) rollLocked() {
	start := l.windowStart(l.clock.Now())
	if start.After(l.window) {
		l.window = start
		l.used = 0
	}
}

func (l *Limiter) windowStart(now time.Time) time.Time {
	shifted := now.UTC().Add(-l.cfg.ResetOffset)
	y, m, d := shifted.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(l.cfg.ResetOffset)
}
