// Package ratelimit implements a concurrent per-client token bucket. The API
// keys buckets by client IP, so one noisy tenant script cannot starve the
// listener for everyone else. State is per process; replicas behind a load
// balancer each enforce their own share.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Config tunes the limiter.
type Config struct {
	RequestsPerSecond float64       // token refill rate
	Burst             int           // bucket capacity
	CleanupInterval   time.Duration // how often stale buckets are evicted
}

// DefaultConfig returns the production defaults (50 req/s, burst of 100).
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		Burst:             100,
		CleanupInterval:   5 * time.Minute,
	}
}

// Result is the outcome of one Allow call, with the fields the HTTP layer
// needs for RateLimit-* and Retry-After headers.
type Result struct {
	Allowed    bool
	Remaining  int // approximate tokens left
	Limit      int // bucket capacity
	RetryAfter time.Duration // time until a token frees up; zero when allowed
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter tracks a token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	stop    chan struct{}
	once    sync.Once
}

// New creates a Limiter and starts its background eviction goroutine.
// Call Stop when done.
func New(cfg Config) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Allow spends one token from key's bucket, creating a full bucket on first
// sight of the key.
func (l *Limiter) Allow(key string) Result {
	return l.allowAt(key, time.Now())
}

func (l *Limiter) allowAt(key string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastSeen: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * l.cfg.RequestsPerSecond
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.lastSeen = now

	res := Result{Limit: l.cfg.Burst}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	} else if l.cfg.RequestsPerSecond > 0 {
		wait := (1 - b.tokens) / l.cfg.RequestsPerSecond
		res.RetryAfter = time.Duration(math.Ceil(wait)) * time.Second
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
	}
	res.Remaining = int(math.Max(0, b.tokens))
	return res
}

// evictLoop drops buckets idle long enough to have refilled completely.
func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop shuts down the eviction goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}
