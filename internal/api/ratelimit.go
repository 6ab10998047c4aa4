// Package api provides middleware for the DiamondWire query surface.
package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimitConfig configures the per-client limiter on the correlation
// endpoint.
type RateLimitConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 100,
		BurstSize:         20,
		IncludeHeaders:    true,
	}
}

// RateLimiter is a token-bucket limiter keyed by client IP. Correlation
// queries hit the knowledge base directly, so the query surface bounds
// per-client request rates.
type RateLimiter struct {
	config  RateLimitConfig
	logger  *zap.Logger
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 100
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 20
	}
	return &RateLimiter{
		config:  config,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether the client may proceed, and the tokens
// remaining.
func (rl *RateLimiter) Allow(clientID string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[clientID]
	if !ok {
		b = &bucket{tokens: float64(rl.config.BurstSize), lastFill: now}
		rl.buckets[clientID] = b
	}

	refill := now.Sub(b.lastFill).Minutes() * float64(rl.config.RequestsPerMinute)
	b.tokens += refill
	if b.tokens > float64(rl.config.BurstSize) {
		b.tokens = float64(rl.config.BurstSize)
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false, 0
	}
	b.tokens--
	return true, int(b.tokens)
}

// Middleware enforces the limiter and optionally sets rate-limit
// headers.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := clientIP(r)
			allowed, remaining := rl.Allow(clientID)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}

			if !allowed {
				rl.logger.Warn("rate limit exceeded", zap.String("client", clientID))
				w.Header().Set("Retry-After", "60")
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
