// Package ratelimit provides token-bucket rate limiting middleware for the
// holdfast API. Anonymous traffic is limited per client IP; authenticated
// mutations are additionally limited per party.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/holdfast/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per key per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// FromRPM derives a config from a single requests-per-minute budget.
// Burst is a sixth of the minute budget, never below 1.
func FromRPM(rpm int) Config {
	cfg := DefaultConfig()
	if rpm <= 0 {
		return cfg
	}
	cfg.RequestsPerMinute = rpm
	cfg.BurstSize = rpm / 6
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	return cfg
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	clients  map[string]*clientState
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.cleanup()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     now,
	}
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops keys unseen for two minutes.
func (l *Limiter) evictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * time.Minute)
	evicted := 0
	for key, state := range l.clients {
		if state.lastCheck.Before(cutoff) {
			delete(l.clients, key)
			evicted++
		}
	}
	return evicted
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return l.cfg.BurstSize > 0
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens += elapsed * tokensPerSecond

	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}

	return false
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow("ip:" + c.ClientIP()) {
			reject(c, "ip")
			return
		}
		c.Next()
	}
}

// PartyMiddleware limits per authenticated party. It must run after the
// auth middleware; requests without a party id fall back to the client IP.
func (l *Limiter) PartyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if party := c.GetString("authPartyID"); party != "" {
			key = "party:" + party
		}
		if !l.Allow(key) {
			reject(c, "party")
			return
		}
		c.Next()
	}
}

func reject(c *gin.Context, scope string) {
	metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limit_exceeded",
		"message":     "Too many requests. Please slow down.",
		"retry_after": 1,
	})
}
