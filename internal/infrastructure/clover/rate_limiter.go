package clover

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per merchant, matching how the platform meters requests
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	logger   zerolog.Logger
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per merchant
func NewRateLimiter(requestsPerSecond float64, burst int, logger zerolog.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

// Wait blocks until the merchant's bucket allows one more request
func (rl *RateLimiter) Wait(ctx context.Context, merchantID string) error {
	return rl.limiterFor(merchantID).Wait(ctx)
}

func (rl *RateLimiter) limiterFor(merchantID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters[merchantID]
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[merchantID] = limiter
		rl.logger.Debug().Str("merchantId", merchantID).Msg("Created rate limiter for merchant")
	}
	return limiter
}
