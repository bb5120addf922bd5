// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the fan-out path from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter allows bursts of capacity messages, refilled at capacity
// tokens per interval.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	if every <= 0 {
		every = time.Nanosecond
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(every), capacity),
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
