package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-dispatch/internal/otel"
)

// TokenBucket is a token bucket refilled continuously at rate per second.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	lastAccess time.Time
}

func NewTokenBucket(ratePerSecond float64, burst int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: ratePerSecond,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimiter keeps one bucket per caller token. A zero rate disables it.
type RateLimiter struct {
	rate    float64
	burst   int
	metrics *otel.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

func NewRateLimiter(ratePerSecond float64, burst int, metrics *otel.Metrics, logger *slog.Logger) *RateLimiter {
	if burst <= 0 {
		burst = max(1, int(ratePerSecond))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rate:    ratePerSecond,
		burst:   burst,
		metrics: metrics,
		logger:  logger,
		buckets: make(map[string]*TokenBucket),
	}
}

func (rl *RateLimiter) Enabled() bool { return rl != nil && rl.rate > 0 }

// StartEviction drops buckets idle for longer than maxAge until ctx ends.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if !rl.Enabled() {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap rejects requests over the limit with 429.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ExtractToken(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.bucket(key).Allow() {
			rl.metrics.IncRateLimitReject(r.Context())
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) bucket(key string) *TokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(rl.rate, rl.burst)
	rl.buckets[key] = b
	return b
}
