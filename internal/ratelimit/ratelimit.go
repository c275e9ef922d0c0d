// Package ratelimit provides per-client rate limiting for the escrow API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the sustained rate
	BurstSize int
	// IdleTTL drops clients not seen for this long
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           2 * time.Minute,
	}
}

var rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "gigescrow",
	Name:      "rate_limited_requests_total",
	Help:      "Requests rejected by the per-client rate limiter.",
})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Limiter is a token bucket per client key
type Limiter struct {
	cfg       Config
	now       func() time.Time
	mu        sync.Mutex
	clients   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*bucket),
	}
}

// WithClock replaces the time source (for tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	l.lastSweep = now()
	return l
}

// Allow reports whether key may make a request now, and how long to wait
// otherwise.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastSeen: now}
		return true, 0
	}

	rate := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.lastSeen).Seconds()*rate)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if rate == 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return false, wait
}

// Clients returns the number of tracked client keys.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// sweep must be called with l.mu held.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.IdleTTL {
		return
	}
	cutoff := now.Add(-l.cfg.IdleTTL)
	for key, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}

// Middleware returns a Gin middleware that rate limits by client IP
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if !ok {
			rejectedTotal.Inc()
			retryAfter := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
