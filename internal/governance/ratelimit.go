package governance

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig defines the throttle for one key.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// RateLimiter implements token bucket throttling per key. Keys without a
// configuration are never throttled.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*tokenBucket)}
	for key, cfg := range config {
		rl.Configure(key, cfg)
	}
	return rl
}

// Configure sets or replaces the throttle for key. A zero rate removes it.
func (rl *RateLimiter) Configure(key string, cfg RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cfg.RequestsPerSecond <= 0 {
		delete(rl.buckets, key)
		return
	}
	if bucket, exists := rl.buckets[key]; exists {
		bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
		return
	}
	rl.buckets[key] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)
}

// Allow reports whether a call for key may proceed now, consuming a token.
func (rl *RateLimiter) Allow(key string) bool {
	bucket := rl.bucket(key)
	if bucket == nil {
		return true
	}
	ok, _ := bucket.take()
	return ok
}

// Wait blocks until a token for key is available or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	bucket := rl.bucket(key)
	if bucket == nil {
		return nil
	}
	for {
		ok, wait := bucket.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (rl *RateLimiter) bucket(key string) *tokenBucket {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.buckets[key]
}

// Stats returns current rate limit statistics for all keys.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats()
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit          int     `json:"limit"`
	BurstSize      int     `json:"burstSize"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64   // tokens per second
	capacity   float64   // maximum burst size
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
}

func newTokenBucket(rps, burstSize int) *tokenBucket {
	if burstSize <= 0 {
		burstSize = rps
	}

	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) configure(rps, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if burstSize <= 0 {
		burstSize = rps
	}
	tb.rate = float64(rps)
	tb.capacity = float64(burstSize)
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// take consumes a token if one is available. Otherwise it reports how long
// until the next token.
func (tb *tokenBucket) take() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	missing := 1 - tb.tokens
	return false, time.Duration(missing / tb.rate * float64(time.Second))
}

func (tb *tokenBucket) stats() RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	return RateLimitStats{
		Limit:          int(tb.rate),
		BurstSize:      int(tb.capacity),
		Available:      tb.tokens,
		LastRefillTime: tb.lastRefill.Format(time.RFC3339),
	}
}
