// Package ratelimit implements a per-caller fixed-window admission filter.
// Thread-safe. The check path never evicts; expired windows are removed by Sweep,
// which StartSweeper schedules on a cron.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrRateLimited is returned when a caller has exhausted the current window.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures a fixed-window limiter.
type Config struct {
	Limit  int           // Calls allowed per window. 0 = unlimited (Allow always succeeds).
	Window time.Duration // Window length. 0 defaults to one minute.
}

// Limiter counts calls per key in fixed windows.
// Each key gets an independent window; one caller cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	window  time.Duration
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	w := cfg.Window
	if w <= 0 {
		w = time.Minute
	}
	return &Limiter{
		windows: make(map[string]*window),
		limit:   cfg.Limit,
		window:  w,
		now:     time.Now,
	}
}

// Allow records one call for key. A call at or after windowStart+window opens a
// new window with count 1. Returns ErrRateLimited once the count exceeds the limit.
func (l *Limiter) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		l.windows[key] = &window{count: 1, start: now}
		return nil
	}

	w.count++
	if w.count > l.limit {
		return ErrRateLimited
	}
	return nil
}

// Sweep removes every window that has expired. Returns the number removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows (for metrics and testing).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// StartSweeper runs Sweep on every limiter at the given interval.
// The returned stop function blocks until a running sweep finishes.
func StartSweeper(interval time.Duration, limiters ...*Limiter) (stop func(), err error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}

	c := cron.New()
	_, err = c.AddFunc("@every "+interval.String(), func() {
		for _, l := range limiters {
			if l != nil {
				l.Sweep()
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling rate limit sweep: %w", err)
	}
	c.Start()

	return func() { <-c.Stop().Done() }, nil
}
