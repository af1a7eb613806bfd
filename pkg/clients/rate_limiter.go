package clients

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for rate limiting implementations.
type RateLimiter interface {
	// Allow checks if a request is allowed
	Allow() bool

	// Wait blocks until a request is allowed
	Wait(ctx context.Context) error

	// GetStats returns rate limiter statistics
	GetStats() RateLimiterStats
}

// RateLimiterStats describes the limiter's configuration and activity.
type RateLimiterStats struct {
	Rate            float64       `json:"rate"`
	Burst           int           `json:"burst"`
	AllowedRequests int64         `json:"allowed_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
}

// TokenBucketRateLimiter implements the token bucket algorithm on top of
// golang.org/x/time/rate.
type TokenBucketRateLimiter struct {
	limiter *rate.Limiter

	allowedRequests int64
	blockedRequests int64
	totalWaitTime   int64
}

// NewRateLimiter creates a limiter allowing perSecond requests per second
// with the given burst. A burst below 1 is raised to 1.
func NewRateLimiter(perSecond float64, burst int) *TokenBucketRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketRateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow checks if a request is allowed right now
func (tb *TokenBucketRateLimiter) Allow() bool {
	if tb.limiter.Allow() {
		atomic.AddInt64(&tb.allowedRequests, 1)
		return true
	}
	atomic.AddInt64(&tb.blockedRequests, 1)
	return false
}

// Wait blocks until a token is available or ctx is done
func (tb *TokenBucketRateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := tb.limiter.Wait(ctx); err != nil {
		atomic.AddInt64(&tb.blockedRequests, 1)
		return err
	}
	atomic.AddInt64(&tb.allowedRequests, 1)
	atomic.AddInt64(&tb.totalWaitTime, int64(time.Since(start)))
	return nil
}

// GetStats returns rate limiter statistics
func (tb *TokenBucketRateLimiter) GetStats() RateLimiterStats {
	allowed := atomic.LoadInt64(&tb.allowedRequests)
	stats := RateLimiterStats{
		Rate:            float64(tb.limiter.Limit()),
		Burst:           tb.limiter.Burst(),
		AllowedRequests: allowed,
		BlockedRequests: atomic.LoadInt64(&tb.blockedRequests),
	}
	if allowed > 0 {
		stats.AverageWaitTime = time.Duration(atomic.LoadInt64(&tb.totalWaitTime) / allowed)
	}
	return stats
}
