// Package ratelimit throttles API clients with a per-key token bucket.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures the limiter.
type Config struct {
	// RequestsPerSecond is the sustained per-client rate.
	RequestsPerSecond int
	// Burst allows brief spikes above the sustained rate.
	Burst int
	// CleanupInterval is how often idle clients are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig derives limiter settings from a sustained rate.
func DefaultConfig(rps int) Config {
	if rps <= 0 {
		rps = 100
	}
	return Config{
		RequestsPerSecond: rps,
		Burst:             2 * rps,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks token buckets by client key.
type Limiter struct {
	cfg  Config
	now  func() time.Time
	mu   sync.Mutex
	keys map[string]*bucket
	stop chan struct{}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]*bucket),
		stop: make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithNow overrides the clock for tests.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)
			for key, b := range l.keys {
				if b.lastSeen.Before(cutoff) {
					delete(l.keys, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop terminates the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether a request under key fits within the limit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.keys[key]
	if !ok {
		l.keys[key] = &bucket{
			tokens:   float64(l.cfg.Burst - 1),
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerSecond)
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware limits requests by client IP. Authenticated callers are
// keyed by their credential instead so shared NATs do not starve them.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); auth != "" {
			if len(auth) > 20 {
				auth = auth[:20]
			}
			key = "auth:" + auth
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
