package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/config"
	"github.com/motorworks/enginesync/internal/service/syncservice"
)

// Per-user token bucket rate limiting.
//
// The bucket allows burst traffic up to capacity while enforcing a smooth
// long-term rate, and keeps one user's chatty client from starving others.
// With WindowSeconds=60, MaxRequests=600, Burst=120 the refill rate is
// 600/60 = 10 tokens/second.
//
// State is an in-memory map[username]*TokenBucket; a multi-node deployment
// would need a shared store behind the same interface.

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket with given capacity and refill rate
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a token is available and consumes it if so
// Returns (allowed bool, tokensRemaining int, nextTokenTime time.Time, fullResetTime time.Time)
// - nextTokenTime: when the next token will be available (use for Retry-After)
// - fullResetTime: when the bucket will be completely full (use for X-RateLimit-Reset)
func (tb *TokenBucket) Allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	tokensNeeded := tb.capacity - tb.tokens
	fullResetTime := now.Add(time.Duration(tokensNeeded/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullResetTime
	}

	tokensUntilNext := 1.0 - tb.tokens
	secondsUntilNext := tokensUntilNext / tb.refillRate
	nextTokenTime := now.Add(time.Duration(secondsUntilNext) * time.Second)

	return false, 0, nextTokenTime, fullResetTime
}

// RateLimiter manages per-user token buckets
type RateLimiter struct {
	buckets map[string]*TokenBucket
	config  config.RateLimitConfig
	mu      sync.RWMutex
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  cfg,
	}

	// Cleanup goroutine removes inactive buckets
	go rl.cleanupLoop()

	return rl
}

// getBucket retrieves or creates a token bucket for the given user
func (rl *RateLimiter) getBucket(username string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[username]
	rl.mu.RUnlock()

	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists := rl.buckets[username]; exists {
		return bucket
	}

	refillRate := float64(rl.config.MaxRequests) / float64(rl.config.WindowSeconds)
	bucket = NewTokenBucket(rl.config.Burst, refillRate)
	rl.buckets[username] = bucket
	return bucket
}

// Allow checks if the user is allowed to make a request
func (rl *RateLimiter) Allow(username string) (bool, int, time.Time, time.Time) {
	bucket := rl.getBucket(username)
	return bucket.Allow()
}

// cleanupLoop periodically removes inactive buckets to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for username, bucket := range rl.buckets {
			bucket.mu.Lock()
			if time.Since(bucket.lastRefill) > time.Hour {
				delete(rl.buckets, username)
			}
			bucket.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware returns a middleware that enforces rate limiting per
// user. Each instance carries its own limiter, so different route groups can
// run with different budgets.
func RateLimitMiddleware(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := auth.ActorFrom(r.Context())
			if !ok {
				// Unauthenticated request; the auth middleware already rejected it
				// or the route is public.
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, nextTokenTime, fullResetTime := limiter.Allow(actor.Username)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullResetTime.Unix(), 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(cfg.Burst))

			if !allowed {
				retryAfter := int(time.Until(nextTokenTime).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("user", actor.Username).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("Rate limit exceeded")

				writeError(w, syncservice.CodeRateLimited,
					"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
