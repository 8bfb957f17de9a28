// Package ratelimit is a keyed fixed-window request counter. Feedback is
// limited per user and facade reads per caller, each with its own Limiter.
package ratelimit

import (
	"sync"
	"time"

	"horse.fit/scout/internal/globaltime"
)

type Config struct {
	// MaxRequests allowed per key inside one window. Default: 10.
	MaxRequests int
	// Window length. Default: 1 minute.
	Window time.Duration
	// Now overrides the clock.
	Now globaltime.Func
}

func (c *Config) defaults() {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	c.Now = globaltime.Or(c.Now)
}

type bucket struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	config  Config
	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(cfg Config) *Limiter {
	cfg.defaults()
	return &Limiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
	}
}

// Allow counts one request for key and reports whether it fits the window.
// A rejected request still counts.
func (l *Limiter) Allow(key string) bool {
	allowed, _ := l.Reserve(key)
	return allowed
}

// Reserve is Allow that also returns when the key's window resets.
func (l *Limiter) Reserve(key string) (bool, time.Time) {
	now := l.config.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{count: 0, resetAt: now.Add(l.config.Window)}
		l.buckets[key] = b
	}
	b.count++
	return b.count <= l.config.MaxRequests, b.resetAt
}

// Remaining reports how many requests key has left in its current window.
func (l *Limiter) Remaining(key string) int {
	now := l.config.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		return l.config.MaxRequests
	}
	return max(0, l.config.MaxRequests-b.count)
}

// Reset forgets key, or every key when key is empty.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key == "" {
		l.buckets = make(map[string]*bucket)
		return
	}
	delete(l.buckets, key)
}

// GC drops buckets whose window has passed and returns how many it removed.
func (l *Limiter) GC() int {
	now := l.config.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
